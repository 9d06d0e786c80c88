package stress

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgpkg "primescan/internal/config"
	"primescan/internal/pipeline"
	"primescan/pkg/contract"
)

// 2^40 附近：筛表很小，试除成本接近真实大数扫描。
const (
	base = uint64(1) << 40
	span = uint64(1) << 16
)

// baseConfig 构造使用 memory Sink 的最小可运行配置。
func baseConfig(workers int) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	start, end := base, base+span
	cfg.Start, cfg.End = &start, &end
	cfg.Workers = &workers
	cfg.Sink = "memory"
	cfg.Options.Sink = json.RawMessage(`{}`)
	cfg.Logging.Level = "error"
	return cfg
}

// runPipeline 装配并执行完整流水线。
func runPipeline(t *testing.T, cfg cfgpkg.Config) (contract.Summary, error) {
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return contract.Summary{}, err
	}
	return pipeline.Run(context.Background(), comp, set, nil)
}

// TestStress 在不同 worker 数下运行流水线，记录延迟统计并校验结果一致。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress")
	}
	levels := []int{1, 8, 16, 32, 64}
	var want *contract.RecordCount
	for _, workers := range levels {
		t.Run(fmt.Sprintf("workers_%d", workers), func(t *testing.T) {
			const runs = 3
			latencies := make([]time.Duration, 0, runs)
			for i := 0; i < runs; i++ {
				start := time.Now()
				sum, err := runPipeline(t, baseConfig(workers))
				require.NoError(t, err, "run %d", i)
				latencies = append(latencies, time.Since(start))

				if want == nil {
					c := sum.Counts
					want = &c
				}
				require.Equal(t, *want, sum.Counts, "结果不应依赖 worker 数")
				require.Equal(t, span, sum.Counts.Total())
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			var total time.Duration
			for _, d := range latencies {
				total += d
			}
			avg := total / time.Duration(len(latencies))
			idx := int(math.Ceil(float64(len(latencies))*0.95)) - 1
			if idx < 0 {
				idx = 0
			}
			t.Logf("workers=%d 平均%v 95%%延迟%v 素数%d", workers, avg, latencies[idx], want.Primes)
		})
	}
}
