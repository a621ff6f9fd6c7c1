// Command master runs the cluster's memory-statistics aggregator: it
// answers FETCH_MEM_STATS/UPDATE_MEM_STATS over TCP, fans out
// BROADCAST_MEM_STATS once enough updates accumulate, and optionally
// exposes the admin HTTP API and a Prometheus scrape endpoint.
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

	"github.com/New-B/farm/pkg/api"
	"github.com/New-B/farm/pkg/config"
	"github.com/New-B/farm/pkg/kv"
	"github.com/New-B/farm/pkg/logging"
	"github.com/New-B/farm/pkg/master"
	"github.com/New-B/farm/pkg/metrics"
	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/wire"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the farm cluster's master node",
	RunE:  runMaster,
}

func init() {
	rootCmd.Flags().String("config", "", "YAML configuration file")
	rootCmd.Flags().String("ip_master", "0.0.0.0", "address this master's wire listener binds to")
	rootCmd.Flags().Int("port_master", 9000, "port this master's wire listener binds to")
	rootCmd.Flags().Int("no_node", 1, "expected number of worker nodes")
	rootCmd.Flags().Int("unsynced_th", 1, "updates to accumulate before a BROADCAST_MEM_STATS fan-out")
	rootCmd.Flags().String("peers", "", "worker membership, \"wid=host:port,...\", for broadcasting stats")
	rootCmd.Flags().String("api_addr", "", "admin HTTP API listen address (empty disables it)")
	rootCmd.Flags().String("metrics_addr", "", "Prometheus scrape listen address (empty disables it)")
	rootCmd.Flags().String("log_level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log_json", false, "emit JSON logs")
}

func runMaster(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.IsMaster = true
	if v, _ := cmd.Flags().GetString("ip_master"); cmd.Flags().Changed("ip_master") {
		cfg.MasterIP = v
	}
	if v, _ := cmd.Flags().GetInt("port_master"); cmd.Flags().Changed("port_master") {
		cfg.MasterPort = v
	}
	if v, _ := cmd.Flags().GetInt("no_node"); cmd.Flags().Changed("no_node") {
		cfg.NoNode = v
	}
	if v, _ := cmd.Flags().GetInt("unsynced_th"); cmd.Flags().Changed("unsynced_th") {
		cfg.UnsyncedTh = v
	}
	if v, _ := cmd.Flags().GetString("peers"); cmd.Flags().Changed("peers") {
		cfg.Peers = v
	}
	if v, _ := cmd.Flags().GetString("api_addr"); cmd.Flags().Changed("api_addr") {
		cfg.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("metrics_addr"); cmd.Flags().Changed("metrics_addr") {
		cfg.MetricsAddr = v
	}

	logLevel, _ := cmd.Flags().GetString("log_level")
	logJSON, _ := cmd.Flags().GetBool("log_json")
	logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
	log := logging.WithComponent("master")

	peers, err := parsePeers(cfg.Peers)
	if err != nil {
		return err
	}

	tr := transport.NewTCP(peers, 2*time.Second)
	defer tr.Close()

	m := master.New(cfg.UnsyncedTh, tr)
	for wid := range peers {
		m.RegisterWorker(wid)
	}

	store := kv.New()
	statsHandler, kvHandler := m.Handler(), kv.Handler(store)

	listenAddr := fmt.Sprintf("%s:%d", cfg.MasterIP, cfg.MasterPort)
	srv, err := transport.Listen(listenAddr, func(ctx context.Context, msg wire.Message) wire.Message {
		if msg.Op == wire.OpPut || msg.Op == wire.OpGet {
			return kvHandler(ctx, msg)
		}
		return statsHandler(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("master: %w", err)
	}
	log.Info().Str("addr", listenAddr).Int("workers", cfg.NoNode).Msg("wire listener started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("wire listener stopped")
		}
	}()

	if cfg.APIAddr != "" {
		httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: api.NewHTTPHandler(0, m, store)}
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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
	srv.Close()
	return nil
}

func parsePeers(s string) (map[uint16]string, error) {
	peers := make(map[uint16]string)
	if s == "" {
		return peers, nil
	}
	for _, entry := range strings.Split(s, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("master: malformed peer entry %q", entry)
		}
		wid, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("master: malformed peer wid %q: %w", parts[0], err)
		}
		peers[uint16(wid)] = parts[1]
	}
	return peers, nil
}
