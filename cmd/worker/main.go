// Command worker runs one farm worker process: it serves FARM_MALLOC,
// FARM_READ and the three-phase commit ops over TCP, pushes memory
// statistics to the master, and optionally exposes the admin HTTP API
// and a Prometheus scrape endpoint, mirroring the subcommand-per-role
// shape of the teacher's cmd/warren binary but built with a single root
// command since a worker process plays only one role.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rs/zerolog"

	"github.com/New-B/farm/pkg/api"
	"github.com/New-B/farm/pkg/config"
	"github.com/New-B/farm/pkg/kv"
	"github.com/New-B/farm/pkg/logging"
	"github.com/New-B/farm/pkg/metrics"
	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/wire"
	"github.com/New-B/farm/pkg/worker"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a farm worker node",
	RunE:  runWorker,
}

func init() {
	rootCmd.Flags().String("config", "", "YAML configuration file")
	rootCmd.Flags().Uint16("node_id", 0, "this worker's node id")
	rootCmd.Flags().String("ip_worker", "0.0.0.0", "address this worker's wire listener binds to")
	rootCmd.Flags().Int("port_worker", 9001, "port this worker's wire listener binds to")
	rootCmd.Flags().String("ip_master", "", "master's address, for pushing memory stats")
	rootCmd.Flags().Int("port_master", 9000, "master's port")
	rootCmd.Flags().String("peers", "", "cluster membership, \"wid=host:port,...\" (including this worker and the master at wid 0)")
	rootCmd.Flags().Uint64("size", 512<<20, "heap size in bytes")
	rootCmd.Flags().Float64("factor", 1.25, "slab class growth factor")
	rootCmd.Flags().Uint64("ghost_th", 1<<20, "ghost bytes threshold before pushing memory stats")
	rootCmd.Flags().String("api_addr", "", "admin HTTP API listen address (empty disables it)")
	rootCmd.Flags().String("metrics_addr", "", "Prometheus scrape listen address (empty disables it)")
	rootCmd.Flags().String("log_level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log_json", false, "emit JSON logs")
}

func runWorker(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetUint16("node_id"); cmd.Flags().Changed("node_id") {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("ip_worker"); cmd.Flags().Changed("ip_worker") {
		cfg.WorkerIP = v
	}
	if v, _ := cmd.Flags().GetInt("port_worker"); cmd.Flags().Changed("port_worker") {
		cfg.WorkerPort = v
	}
	if v, _ := cmd.Flags().GetString("ip_master"); cmd.Flags().Changed("ip_master") {
		cfg.MasterIP = v
	}
	if v, _ := cmd.Flags().GetInt("port_master"); cmd.Flags().Changed("port_master") {
		cfg.MasterPort = v
	}
	if v, _ := cmd.Flags().GetString("peers"); cmd.Flags().Changed("peers") {
		cfg.Peers = v
	}
	if v, _ := cmd.Flags().GetUint64("size"); cmd.Flags().Changed("size") {
		cfg.HeapSize = v
	}
	if v, _ := cmd.Flags().GetFloat64("factor"); cmd.Flags().Changed("factor") {
		cfg.Factor = v
	}
	if v, _ := cmd.Flags().GetUint64("ghost_th"); cmd.Flags().Changed("ghost_th") {
		cfg.GhostTh = v
	}
	if v, _ := cmd.Flags().GetString("api_addr"); cmd.Flags().Changed("api_addr") {
		cfg.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("metrics_addr"); cmd.Flags().Changed("metrics_addr") {
		cfg.MetricsAddr = v
	}
	cfg.IsMaster = false
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log_level")
	logJSON, _ := cmd.Flags().GetBool("log_json")
	logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
	log := logging.WithWorker(cfg.NodeID)

	peers, err := parsePeers(cfg.Peers)
	if err != nil {
		return err
	}
	peers[cfg.NodeID] = fmt.Sprintf("%s:%d", cfg.WorkerIP, cfg.WorkerPort)
	masterWID := uint16(0)
	if cfg.MasterIP != "" {
		peers[masterWID] = fmt.Sprintf("%s:%d", cfg.MasterIP, cfg.MasterPort)
	}
	delete(peers, cfg.NodeID)

	tr := transport.NewTCP(peers, 2*time.Second)
	defer tr.Close()

	node := worker.NewNode(cfg.NodeID, cfg.HeapSize, cfg.Factor, tr)
	store := kv.New()

	listenAddr := fmt.Sprintf("%s:%d", cfg.WorkerIP, cfg.WorkerPort)
	srv, err := transport.Listen(listenAddr, composeHandler(node.Dispatcher.Handler(), kv.Handler(store)))
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	log.Info().Str("addr", listenAddr).Msg("wire listener started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go node.Dispatcher.Run(ctx)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("wire listener stopped")
		}
	}()

	if cfg.APIAddr != "" {
		httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: api.NewHTTPHandler(cfg.NodeID, nil, store)}
		go func() {
			log.Info().Str("addr", cfg.APIAddr).Msg("admin API started")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin API stopped")
			}
		}()
		defer httpSrv.Close()
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint started")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
		defer metricsSrv.Close()
	}

	if cfg.MasterIP != "" {
		go pushMemStats(ctx, node, tr, masterWID, cfg.GhostTh, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
	srv.Close()
	return nil
}

// composeHandler routes a frame to dispatcherHandler for every op the
// transactional engine owns, falling back to kvHandler for the K/V
// side-channel ops it doesn't.
func composeHandler(dispatcherHandler, kvHandler transport.Handler) transport.Handler {
	return func(ctx context.Context, msg wire.Message) wire.Message {
		switch msg.Op {
		case wire.OpPut, wire.OpGet:
			return kvHandler(ctx, msg)
		default:
			return dispatcherHandler(ctx, msg)
		}
	}
}

// pushMemStats reports this worker's heap occupancy to the master
// whenever accumulated ghost bytes cross ghostTh, per spec.md §4.7.
func pushMemStats(ctx context.Context, node *worker.Node, tr transport.Transport, masterWID uint16, ghostTh uint64, log zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if node.Heap.GhostBytes() <= ghostTh {
				continue
			}
			total := node.Heap.HeapSize()
			free := node.Heap.GetAvail()
			_, _ = tr.Send(ctx, masterWID, wire.Message{
				Header: wire.Header{
					Op:     wire.OpUpdateMemStats,
					NObj:   uint32(node.WID),
					Addr:   total,
					Size:   uint32(free),
					Status: wire.StatusSuccess,
				},
			})
			node.Heap.ResetGhost()
		}
	}
}

// parsePeers parses "wid=host:port,wid=host:port" into a wid->addr map.
func parsePeers(s string) (map[uint16]string, error) {
	peers := make(map[uint16]string)
	if s == "" {
		return peers, nil
	}
	for _, entry := range strings.Split(s, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("worker: malformed peer entry %q", entry)
		}
		wid, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("worker: malformed peer wid %q: %w", parts[0], err)
		}
		peers[uint16(wid)] = parts[1]
	}
	return peers, nil
}
