package perf

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ValentinKolb/objrepo/cmd/util"
	"github.com/ValentinKolb/objrepo/lib/keys"
	"github.com/ValentinKolb/objrepo/lib/repo"
	"github.com/ValentinKolb/objrepo/lib/telemetry"
)

var (
	log = logger.GetLogger("cli")

	// PerfCmd runs benchmarks against a repository in a scratch directory
	PerfCmd = &cobra.Command{
		Use:   "perf",
		Short: "Performance testing tool for the object repository",
		Long: `Runs benchmarks against a repository. Unless --dir is given, the repository
lives in a temporary directory that is removed afterwards. The repository
flags (cache policy, queue capacity, sync interval, ...) apply.`,
		PreRunE: processPerfConfig,
		RunE:    run,
	}

	perfDir              = ""
	perfLevel            = repo.LevelDurable
	perfLargeValueSizeKB = 1024
	perfNumThreads       = 10
	perfKeySpread        = 1000
	perfSkip             = make([]string, 0)
	perfMetrics          = ""
)

func init() {
	key := "dir"
	PerfCmd.Flags().String(key, "", util.WrapString("Directory for the benchmark repository (default: a temporary directory)"))
	key = "level"
	PerfCmd.Flags().String(key, "durable", util.WrapString("Persistence level (durable, memory)"))
	key = "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	PerfCmd.Flags().Int(key, 1024, util.WrapString("How large the value for the put-large test should be (in KB)"))
	key = "keys"
	PerfCmd.Flags().Int(key, 1000, util.WrapString("How many different keys to use for the tests"))
	key = "metrics"
	PerfCmd.Flags().String(key, "", util.WrapString("Print the collected metrics after the run (prometheus, json, otel)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	switch level := viper.GetString("level"); level {
	case "durable":
		perfLevel = repo.LevelDurable
	case "memory":
		perfLevel = repo.LevelMemory
	default:
		return fmt.Errorf("invalid level %s (expected durable or memory)", level)
	}

	perfDir = viper.GetString("dir")
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfMetrics = viper.GetString("metrics")
	switch perfMetrics {
	case "", "prometheus", "json", "otel":
	default:
		return fmt.Errorf("invalid metrics format %s (expected prometheus, json or otel)", perfMetrics)
	}
	if s := viper.GetString("skip"); s != "" {
		perfSkip = strings.Split(s, ",")
	}
	if perfKeySpread <= 0 {
		return fmt.Errorf("keys must be positive, got %d", perfKeySpread)
	}
	return nil
}

// benchmark is one named test of the perf command
type benchmark struct {
	name string
	fn   func(b *testing.B, r repo.IRepository, unit repo.UnitID)
}

var benchmarks = []benchmark{
	{"put", benchPut},
	{"put-existing", benchPutExisting},
	{"put-large", benchPutLarge},
	{"get", benchGet},
	{"get-cold", benchGetCold},
	{"try-get", benchTryGet},
	{"remove", benchRemove},
	{"mixed", benchMixed},
	{"flush", benchFlush},
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := util.GetRepoConfig()
	if err != nil {
		return err
	}

	dir := perfDir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "orepo-perf-*"); err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	}
	cfg.DataDir = dir

	prom := telemetry.NewPrometheus()
	registry := telemetry.NewRegistry()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()
	otel, err := telemetry.NewOTel(provider)
	if err != nil {
		return err
	}
	cfg.Observer = repo.MultiObserver{prom, registry, otel, telemetry.NewLog(false)}

	r, err := repo.New(cfg)
	if err != nil {
		return err
	}
	if err := r.Startup(perfLevel); err != nil {
		return err
	}
	defer r.Shutdown()

	fmt.Println("Performance testing tool for the object repository")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Dir: %s\nLevel: %s\nCache: %s (size %d)\nQueue capacity: %d\nSync interval: %s\n",
		dir, perfLevel, cfg.CachePolicy, cfg.CacheSize, cfg.QueueCapacity, cfg.SyncInterval)
	fmt.Printf("Threads: %d\nKeys: %d\n", perfNumThreads, perfKeySpread)
	fmt.Println()
	fmt.Println("starting tests...")

	results := make(map[string]testing.BenchmarkResult)
	for _, bm := range benchmarks {
		unit := repo.UnitID("perf-" + bm.name)
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bm.name) {
				return
			}
			if err := r.OpenUnit(unit); err != nil {
				b.Fatalf("open unit: %v", err)
			}
			b.SetParallelism(perfNumThreads)
			bm.fn(b, r, unit)
		})
		if !shouldSkip(bm.name) {
			if err := r.RemoveUnit(unit); err != nil {
				log.Warningf("(%s) - error removing unit: %v", bm.name, err)
			}
		}
		results[bm.name] = result
		printResult(bm.name, result)
	}

	switch perfMetrics {
	case "prometheus":
		fmt.Println()
		prom.WritePrometheus(cmd.OutOrStdout())
	case "json":
		fmt.Println()
		registry.WriteJSON(cmd.OutOrStdout())
	case "otel":
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			return err
		}
		fmt.Println()
		if err := util.PrintJSON(cmd.OutOrStdout(), rm.ScopeMetrics); err != nil {
			return err
		}
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results, cfg); err != nil {
			return err
		}
		fmt.Printf("\nResults written to %s\n", csvPath)
	}
	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

func perfKey(unit repo.UnitID, i int) keys.SmallKey {
	return keys.SmallID(unit, uint64(i%perfKeySpread))
}

func perfValue(i int) keys.StringValue {
	return keys.StringValue("test-value-" + strconv.Itoa(i))
}

// fill stores all keys of the key spread and waits for the writer
func fill(b *testing.B, r repo.IRepository, unit repo.UnitID) {
	for i := 0; i < perfKeySpread; i++ {
		if err := r.Put(perfKey(unit, i), perfValue(i)); err != nil {
			b.Fatalf("fill: %v", err)
		}
	}
	if err := r.Flush(unit); err != nil {
		b.Fatalf("flush: %v", err)
	}
}

func benchPut(b *testing.B, r repo.IRepository, unit repo.UnitID) {
	var next atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := int(next.Add(1))
			if err := r.Put(keys.SmallID(unit, uint64(i)), perfValue(i)); err != nil {
				log.Errorf("(put) - error: %v", err)
			}
		}
	})
}

func benchPutExisting(b *testing.B, r repo.IRepository, unit repo.UnitID) {
	fill(b, r, unit)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := rand.Int()
		for pb.Next() {
			if err := r.Put(perfKey(unit, counter), perfValue(counter)); err != nil {
				log.Errorf("(put-existing) - error: %v", err)
			}
			counter++
		}
	})
}

func benchPutLarge(b *testing.B, r repo.IRepository, unit repo.UnitID) {
	large := make(keys.BlobValue, perfLargeValueSizeKB*1024)
	rand.Read(large)

	var next atomic.Int64
	b.SetBytes(int64(len(large)))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := next.Add(1) % int64(perfKeySpread)
			if err := r.Put(keys.Large(unit, strconv.FormatInt(i, 10)), large); err != nil {
				log.Errorf("(put-large) - error: %v", err)
			}
		}
	})
	b.StopTimer()
	_ = r.Flush(unit)
}

func benchGet(b *testing.B, r repo.IRepository, unit repo.UnitID) {
	fill(b, r, unit)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := rand.Int()
		for pb.Next() {
			if _, _, err := r.Get(perfKey(unit, counter)); err != nil {
				log.Errorf("(get) - error: %v", err)
			}
			counter++
		}
	})
}

func benchGetCold(b *testing.B, r repo.IRepository, unit repo.UnitID) {
	fill(b, r, unit)
	// reopen the unit so every first access has to load from disk
	if err := r.CloseUnit(unit); err != nil {
		b.Fatalf("close unit: %v", err)
	}
	if err := r.OpenUnit(unit); err != nil {
		b.Fatalf("open unit: %v", err)
	}

	var next atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, _, err := r.Get(perfKey(unit, int(next.Add(1)))); err != nil {
				log.Errorf("(get-cold) - error: %v", err)
			}
		}
	})
}

func benchTryGet(b *testing.B, r repo.IRepository, unit repo.UnitID) {
	fill(b, r, unit)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := rand.Int()
		for pb.Next() {
			if _, _, err := r.TryGet(perfKey(unit, counter)); err != nil {
				log.Errorf("(try-get) - error: %v", err)
			}
			counter++
		}
	})
}

func benchRemove(b *testing.B, r repo.IRepository, unit repo.UnitID) {
	fill(b, r, unit)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := rand.Int()
		for pb.Next() {
			if err := r.Remove(perfKey(unit, counter)); err != nil {
				log.Errorf("(remove) - error: %v", err)
			}
			counter++
		}
	})
}

func benchMixed(b *testing.B, r repo.IRepository, unit repo.UnitID) {
	fill(b, r, unit)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			i := rnd.Int()
			var err error
			switch op := rnd.Intn(10); {
			case op < 5:
				_, _, err = r.Get(perfKey(unit, i))
			case op < 8:
				err = r.Put(perfKey(unit, i), perfValue(i))
			default:
				err = r.Remove(perfKey(unit, i))
			}
			if err != nil {
				log.Errorf("(mixed) - error: %v", err)
			}
		}
	})
}

func benchFlush(b *testing.B, r repo.IRepository, unit repo.UnitID) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 10; j++ {
			_ = r.Put(perfKey(unit, j), perfValue(i))
		}
		if err := r.Flush(unit); err != nil {
			b.Fatalf("flush: %v", err)
		}
	}
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if strings.TrimSpace(skip) == test {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, cfg repo.Config) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Level", "CachePolicy", "CacheSize", "QueueCapacity", "SyncInterval",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	tests := make([]string, 0, len(results))
	for test := range results {
		tests = append(tests, test)
	}
	sort.Strings(tests)

	for _, test := range tests {
		result := results[test]
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			strconv.FormatFloat(nsPerOp, 'f', 0, 64),
			time.Duration(nsPerOp).String(),
			strconv.FormatFloat(opsPerSec, 'f', 0, 64),
			skipped,
			perfLevel.String(),
			cfg.CachePolicy.String(),
			strconv.Itoa(cfg.CacheSize),
			strconv.Itoa(cfg.QueueCapacity),
			cfg.SyncInterval.String(),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %v", err)
		}
	}
	return nil
}
