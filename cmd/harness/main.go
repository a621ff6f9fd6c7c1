// Command harness is the workload generator described in spec.md §6: it
// connects to an already-running cluster as a pure client (no local
// heap of its own), allocates num_obj objects spread round-robin across
// the cluster, then runs iteration rounds of txn_nobj-object
// transactions split write_ratio writes/reads, across no_thread
// concurrent goroutines, and reports throughput. This mirrors the
// original gallocator's own embedded benchmark main, not a production
// entrypoint of the library itself.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/New-B/farm/pkg/client"
	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/logging"
	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/worker"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "harness",
	Short: "Drive a synthetic transactional workload against a running cluster",
	RunE:  runHarness,
}

func init() {
	rootCmd.Flags().String("peers", "", "cluster membership, \"wid=host:port,...\" (required)")
	rootCmd.Flags().Int("no_thread", 4, "number of concurrent client goroutines")
	rootCmd.Flags().Int("num_obj", 1000, "number of objects to pre-allocate")
	rootCmd.Flags().Int("obj_size", 64, "size in bytes of each pre-allocated object")
	rootCmd.Flags().Int("iteration", 1000, "number of transactions each goroutine runs")
	rootCmd.Flags().Int("txn_nobj", 4, "number of objects touched per transaction")
	rootCmd.Flags().Float64("write_ratio", 0.5, "fraction of touched objects written rather than only read")
	rootCmd.Flags().String("log_level", "info", "log level (debug, info, warn, error)")
	rootCmd.MarkFlagRequired("peers")
}

func runHarness(cmd *cobra.Command, args []string) error {
	peersFlag, _ := cmd.Flags().GetString("peers")
	noThread, _ := cmd.Flags().GetInt("no_thread")
	numObj, _ := cmd.Flags().GetInt("num_obj")
	objSize, _ := cmd.Flags().GetInt("obj_size")
	iteration, _ := cmd.Flags().GetInt("iteration")
	txnNObj, _ := cmd.Flags().GetInt("txn_nobj")
	writeRatio, _ := cmd.Flags().GetFloat64("write_ratio")
	logLevel, _ := cmd.Flags().GetString("log_level")

	logging.Init(logging.Config{Level: logging.Level(logLevel)})
	log := logging.WithComponent("harness")

	peers, err := parsePeers(peersFlag)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return fmt.Errorf("harness: --peers must name at least one cluster member")
	}
	wids := make([]uint16, 0, len(peers))
	for wid := range peers {
		wids = append(wids, wid)
	}

	// selfWID never collides with a real cluster member, so worker.Client
	// always routes over the wire and this process never touches a local
	// heap of its own.
	const selfWID = uint16(0xFFFF)
	tr := transport.NewTCP(peers, 5*time.Second)
	defer tr.Close()
	node := worker.NewNode(selfWID, 0, 1.25, tr)

	ctx := context.Background()
	addrs := make([]gaddr.GAddr, 0, numObj)
	seed := client.New(node)
	for i := 0; i < numObj; i++ {
		wid := wids[i%len(wids)]
		addr, err := seed.Malloc(ctx, wid, objSize)
		if err != nil {
			return fmt.Errorf("harness: malloc: %w", err)
		}
		seed.TxWrite(addr, make([]byte, objSize))
		if ok, err := seed.TxCommit(ctx); err != nil || !ok {
			return fmt.Errorf("harness: seeding commit failed: ok=%v err=%v", ok, err)
		}
		addrs = append(addrs, addr)
	}
	log.Info().Int("objects", len(addrs)).Int("workers", len(wids)).Msg("workload seeded")

	var committed, aborted int64
	var wg sync.WaitGroup
	start := time.Now()
	for t := 0; t < noThread; t++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			g := client.New(node)
			for i := 0; i < iteration; i++ {
				for j := 0; j < txnNObj; j++ {
					addr := addrs[rng.Intn(len(addrs))]
					if rng.Float64() < writeRatio {
						g.TxWrite(addr, make([]byte, objSize))
					} else if _, err := g.TxRead(ctx, addr); err != nil {
						continue
					}
				}
				ok, _ := g.TxCommit(ctx)
				if ok {
					atomic.AddInt64(&committed, 1)
				} else {
					atomic.AddInt64(&aborted, 1)
				}
			}
		}(int64(t) + 1)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := committed + aborted
	log.Info().
		Int64("committed", committed).
		Int64("aborted", aborted).
		Dur("elapsed", elapsed).
		Float64("txn_per_sec", float64(total)/elapsed.Seconds()).
		Msg("workload finished")
	fmt.Printf("committed=%d aborted=%d elapsed=%s txn/s=%.1f\n",
		committed, aborted, elapsed, float64(total)/elapsed.Seconds())
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
			return nil, fmt.Errorf("harness: malformed peer entry %q", entry)
		}
		wid, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("harness: malformed peer wid %q: %w", parts[0], err)
		}
		peers[uint16(wid)] = parts[1]
	}
	return peers, nil
}
