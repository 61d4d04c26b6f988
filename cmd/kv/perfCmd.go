package kv

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/tkv/cmd/util"
	"github.com/ValentinKolb/tkv/lib/persist"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for tKV servers",
		Long:    "",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix      = "__test"
	perfLargeValueSize = 16 * 1024
	perfNumThreads     = 10
	perfNumOps         = 10000
	perfKeySpread      = 100
	perfSkip           = make([]string, 0)
)

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines sharing the connection"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 10000, util.WrapString("Number of operations per benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 16*1024, util.WrapString("How large the value for the set-large test should be (in bytes, at most 32767)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSize = viper.GetInt("large-value-size")
	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfNumOps = viper.GetInt("ops")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	switch {
	case perfLargeValueSize < 0 || perfLargeValueSize > persist.MaxValueLen:
		return fmt.Errorf("large-value-size must be between 0 and %d", persist.MaxValueLen)
	case perfKeySpread <= 0:
		return fmt.Errorf("keys must be positive")
	case perfNumThreads <= 0:
		return fmt.Errorf("threads must be positive")
	case perfNumOps <= 0:
		return fmt.Errorf("ops must be positive")
	}
	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

// benchmark describes one test. prepare and cleanup get all keys of the test, op is called with
// the key for the current iteration.
type benchmark struct {
	name    string
	prepare func(ctx context.Context, keys []string) error
	op      func(ctx context.Context, key string) error
	cleanup func(ctx context.Context, keys []string) error
}

// perfResult is the outcome of one benchmark
type perfResult struct {
	name    string
	skipped bool
	errors  int64
	elapsed time.Duration
	timer   gometrics.Timer
}

func (r perfResult) opsPerSec() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.timer.Count()) / r.elapsed.Seconds()
}

func setKeys(value []byte) func(ctx context.Context, keys []string) error {
	return func(ctx context.Context, keys []string) error {
		for _, k := range keys {
			if err := kvClient.Set(ctx, []byte(k), value); err != nil {
				return err
			}
		}
		return nil
	}
}

func deleteKeys(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := kvClient.Delete(ctx, []byte(k)); err != nil {
			return err
		}
	}
	return nil
}

func perfBenchmarks() []benchmark {
	small := []byte("test")
	large := make([]byte, perfLargeValueSize)

	return []benchmark{
		{
			name: "set",
			op: func(ctx context.Context, key string) error {
				return kvClient.Set(ctx, []byte(key), small)
			},
			cleanup: deleteKeys,
		},
		{
			name: "set-large",
			op: func(ctx context.Context, key string) error {
				return kvClient.Set(ctx, []byte(key), large)
			},
			cleanup: deleteKeys,
		},
		{
			name:    "get",
			prepare: setKeys(small),
			op: func(ctx context.Context, key string) error {
				_, err := kvClient.Get(ctx, []byte(key))
				return err
			},
			cleanup: deleteKeys,
		},
		{
			name: "get-missing",
			op: func(ctx context.Context, key string) error {
				_, err := kvClient.Get(ctx, []byte(key))
				return err
			},
		},
		{
			name:    "delete",
			prepare: setKeys(small),
			op: func(ctx context.Context, key string) error {
				return kvClient.Delete(ctx, []byte(key))
			},
		},
		{
			name:    "mixed",
			prepare: setKeys(small),
			op: func() func(ctx context.Context, key string) error {
				var mu sync.Mutex
				counter := 0
				return func(ctx context.Context, key string) error {
					mu.Lock()
					n := counter
					counter++
					mu.Unlock()

					switch n % 3 {
					case 0:
						return kvClient.Set(ctx, []byte(key), small)
					case 1:
						_, err := kvClient.Get(ctx, []byte(key))
						return err
					default:
						return kvClient.Delete(ctx, []byte(key))
					}
				}
			}(),
			cleanup: deleteKeys,
		},
	}
}

// runBenchmark spreads perfNumOps operations over perfNumThreads goroutines and records the
// latency of every operation
func runBenchmark(ctx context.Context, b benchmark) (perfResult, error) {
	res := perfResult{name: b.name, timer: gometrics.NewTimer()}
	defer res.timer.Stop()

	if shouldSkip(b.name) {
		res.skipped = true
		return res, nil
	}

	keys := getKeys(b.name)
	if b.prepare != nil {
		if err := b.prepare(ctx, keys); err != nil {
			return res, fmt.Errorf("(%s) - prepare failed: %w", b.name, err)
		}
	}

	var (
		mu     sync.Mutex
		errCnt int64
	)

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for t := 0; t < perfNumThreads; t++ {
		t := t
		g.Go(func() error {
			for i := t; i < perfNumOps; i += perfNumThreads {
				opStart := time.Now()
				if err := b.op(gctx, keys[i%len(keys)]); err != nil {
					mu.Lock()
					errCnt++
					mu.Unlock()
					if gctx.Err() != nil {
						return gctx.Err()
					}
					continue
				}
				res.timer.UpdateSince(opStart)
			}
			return nil
		})
	}
	err := g.Wait()
	res.elapsed = time.Since(start)
	res.errors = errCnt

	if b.cleanup != nil {
		if cerr := b.cleanup(ctx, keys); cerr != nil {
			fmt.Printf("(%s) - cleanup failed: %v\n", b.name, cerr)
		}
	}
	return res, err
}

func runPerf(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Println("Performance testing tool for tKV servers")

	config := util.GetClientConfig()
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Operations: %d\n", perfNumOps)
	fmt.Println()

	fmt.Println("starting tests...")

	results := make([]perfResult, 0)
	for _, b := range perfBenchmarks() {
		res, err := runBenchmark(ctx, b)
		if err != nil {
			return err
		}
		results = append(results, res)
		printResult(res)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// getKeys creates the test keys of a benchmark
func getKeys(prefix string) []string {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}
	return keys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(r perfResult) {
	if r.skipped {
		fmt.Printf("%-16sskipped\n", r.name)
		return
	}

	snap := r.timer.Snapshot()
	ps := snap.Percentiles([]float64{0.5, 0.99})
	fmt.Printf("%-16s%8.0f ops/sec\tmean %s\tp50 %s\tp99 %s\terrors %d\n",
		r.name,
		r.opsPerSec(),
		time.Duration(snap.Mean()),
		time.Duration(ps[0]),
		time.Duration(ps[1]),
		r.errors,
	)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []perfResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "Ops", "Errors", "OpsPerSec", "MeanNs", "P50Ns", "P99Ns", "MaxNs", "Skipped",
		"Endpoint", "Transport", "Threads", "LargeValueSize", "KeysCount",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		snap := r.timer.Snapshot()
		ps := snap.Percentiles([]float64{0.5, 0.99})

		row := []string{
			r.name,
			strconv.FormatInt(snap.Count(), 10),
			strconv.FormatInt(r.errors, 10),
			fmt.Sprintf("%.0f", r.opsPerSec()),
			fmt.Sprintf("%.0f", snap.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			strconv.FormatInt(snap.Max(), 10),
			strconv.FormatBool(r.skipped),
			viper.GetString("endpoint"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSize),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.name, err)
		}
	}

	return writer.Error()
}
