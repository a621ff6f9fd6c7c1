// Package config loads the cluster configuration described in spec.md
// §6: node role and addressing, heap sizing, and the thresholds that
// drive the memory-stats broadcast and service-task scheduling.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Conf is the full set of knobs a worker or master process reads at
// startup, mirroring the original GAllocFactory::InitConf fields.
type Conf struct {
	NoNode   int    `yaml:"no_node"`
	IsMaster bool   `yaml:"is_master"`
	NodeID   uint16 `yaml:"node_id"`

	MasterIP   string `yaml:"master_ip"`
	MasterPort int    `yaml:"master_port"`
	WorkerIP   string `yaml:"worker_ip"`
	WorkerPort int    `yaml:"worker_port"`

	// Peers is the static cluster membership list, "wid=host:port,...".
	// The original GAM cluster discovers this through the master's
	// worker_ips handshake (master.cc's PostAcceptWorker); this port
	// takes the address list as a startup flag instead, since nothing in
	// SPEC_FULL gives the master a registration RPC of its own.
	Peers string `yaml:"peers"`

	APIAddr     string `yaml:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	HeapSize   uint64  `yaml:"size"`
	GhostTh    uint64  `yaml:"ghost_th"`
	UnsyncedTh int     `yaml:"unsynced_th"`
	Factor     float64 `yaml:"factor"`

	Timeout time.Duration `yaml:"timeout"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the configuration defaults enumerated in spec.md §6.
func Default() Conf {
	return Conf{
		NoNode:     1,
		IsMaster:   true,
		NodeID:     0,
		MasterPort: 9000,
		WorkerPort: 9001,
		HeapSize:   512 << 20,
		GhostTh:    1 << 20,
		UnsyncedTh: 1,
		Factor:     1.25,
		Timeout:    10 * time.Millisecond,
		LogLevel:   "info",
	}
}

// Load reads a YAML configuration file from path, starting from Default
// and overriding only the fields present in the file.
func Load(path string) (Conf, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c, nil
}

// Validate checks invariants Conf must satisfy before a worker or master
// can start: the heap size must be non-zero, the growth factor must
// actually grow the slab classes, and a worker must set master_ip.
func (c Conf) Validate() error {
	if c.HeapSize == 0 {
		return fmt.Errorf("config: size must be > 0")
	}
	if c.Factor <= 1.0 {
		return fmt.Errorf("config: factor must be > 1.0, got %f", c.Factor)
	}
	if !c.IsMaster && c.MasterIP == "" {
		return fmt.Errorf("config: worker nodes must set master_ip")
	}
	return nil
}
