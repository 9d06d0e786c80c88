package testdata

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "primescan/internal/config"
	"primescan/internal/pipeline"
	"primescan/pkg/contract"
	"primescan/plugins/writer/filesystem"
)

func naive(n uint64) bool {
	if n < 2 {
		return false
	}
	for d := uint64(2); d*d <= n; d++ {
		if n%d == 0 {
			return false
		}
	}
	return true
}

// expectedOutput 以朴素试除构造两个集合的期望文件内容。
func expectedOutput(iv contract.Interval) (primes, others string) {
	var p, o strings.Builder
	for v := iv.Start; v < iv.End; v++ {
		line := strconv.FormatUint(v, 10) + "\n"
		if naive(v) {
			p.WriteString(line)
		} else {
			o.WriteString(line)
		}
	}
	return p.String(), o.String()
}

func baseConfig(iv contract.Interval, workers int, outDir string) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Start, cfg.End = &iv.Start, &iv.End
	cfg.Workers = &workers
	cfg.Logging.Level = "error"
	cfg.Options.Sink = json.RawMessage(`{"output_dir":` + strconv.Quote(outDir) + `,"atomic":true,"format":"lines"}`)
	return cfg
}

func runPipeline(t *testing.T, cfg cfgpkg.Config) (contract.Summary, error) {
	t.Helper()
	require.NoError(t, cfgpkg.Validate(cfg))
	comp, set, err := cfgpkg.Assemble(cfg)
	require.NoError(t, err)
	return pipeline.Run(context.Background(), comp, set, nil)
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestE2ESuccess(t *testing.T) {
	out := t.TempDir()
	iv := contract.Interval{Start: 0, End: 5000}
	sum, err := runPipeline(t, baseConfig(iv, 7, out))
	require.NoError(t, err)

	wantP, wantO := expectedOutput(iv)
	assert.Equal(t, wantP, read(t, filepath.Join(out, "primes.txt")))
	assert.Equal(t, wantO, read(t, filepath.Join(out, "non_primes.txt")))
	assert.Equal(t, uint64(669), sum.Counts.Primes)

	var m filesystem.Manifest
	require.NoError(t, json.Unmarshal([]byte(read(t, filepath.Join(out, filesystem.ManifestName))), &m))
	assert.Equal(t, sum.Counts, m.Counts)
	assert.Equal(t, filesystem.FormatLines, m.Format)
}

// 第二次运行原子替换上一次的数据集
func TestE2EReplace(t *testing.T) {
	out := t.TempDir()
	_, err := runPipeline(t, baseConfig(contract.Interval{Start: 0, End: 1000}, 2, out))
	require.NoError(t, err)
	iv := contract.Interval{Start: 1000, End: 1100}
	_, err = runPipeline(t, baseConfig(iv, 3, out))
	require.NoError(t, err)

	wantP, wantO := expectedOutput(iv)
	assert.Equal(t, wantP, read(t, filepath.Join(out, "primes.txt")))
	assert.Equal(t, wantO, read(t, filepath.Join(out, "non_primes.txt")))
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "残留临时文件 %s", e.Name())
	}
}

func TestE2ECSV(t *testing.T) {
	out := t.TempDir()
	cfg := baseConfig(contract.Interval{Start: 0, End: 12}, 3, out)
	cfg.Options.Sink = json.RawMessage(`{"output_dir":` + strconv.Quote(out) + `,"format":"csv"}`)
	_, err := runPipeline(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, "prime,squared,cubed,to_fourth_power\n2,4,8,16\n3,9,27,81\n5,25,125,625\n7,49,343,2401\n11,121,1331,14641\n",
		read(t, filepath.Join(out, "primes.csv")))
	assert.Equal(t, "value\n0\n1\n4\n6\n8\n9\n10\n", read(t, filepath.Join(out, "non_primes.csv")))
}

// Sink 失败：整体失败，不产生清单
func TestE2ESinkFailure(t *testing.T) {
	cfg := baseConfig(contract.Interval{Start: 0, End: 10000}, 4, t.TempDir())
	cfg.Sink = "memory"
	cfg.Options.Sink = json.RawMessage(`{"fail_after":100}`)
	_, err := runPipeline(t, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrIO), "got %v", err)
}

// 取消：不留下数据集
func TestE2ECanceled(t *testing.T) {
	out := t.TempDir()
	comp, set, err := cfgpkg.Assemble(baseConfig(contract.Interval{Start: 0, End: 100000}, 4, out))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pipeline.Run(ctx, comp, set, nil)
	require.Error(t, err)
	assert.Equal(t, "cancel", contract.Kind(err))
	assert.NoFileExists(t, filepath.Join(out, filesystem.ManifestName))
	assert.NoFileExists(t, filepath.Join(out, "primes.txt"))
}
