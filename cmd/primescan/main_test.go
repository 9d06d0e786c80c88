package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	cfgpkg "primescan/internal/config"
	"primescan/internal/diag"
	"primescan/internal/pipeline"
	"primescan/pkg/contract"
	"primescan/plugins/writer/filesystem"
)

func resetFlag(args []string) {
	flag.CommandLine = flag.NewFlagSet(args[0], flag.ContinueOnError)
	os.Args = args
}

// inTempDir 切换到临时工作目录（.env、config.json、logs 均相对 cwd）。
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

func stubPipeline(t *testing.T, fn func(pipeline.Settings) (contract.Summary, error)) *pipeline.Settings {
	t.Helper()
	got := new(pipeline.Settings)
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) (contract.Summary, error) {
		*got = set
		return fn(set)
	}
	t.Cleanup(func() { pipelineRun = orig })
	return got
}

func okSummary(set pipeline.Settings) (contract.Summary, error) {
	return contract.Summary{Interval: set.Interval, Workers: set.Workers, Chunks: 1}, nil
}

func setConfigJSON(t *testing.T, cfg cfgpkg.Config) {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", string(b))
}

func readLines(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestRunInitConfig(t *testing.T) {
	dir := inTempDir(t)
	outDir := filepath.Join(dir, "emit")
	resetFlag([]string{"primescan", "--init-config", outDir})
	require.Equal(t, 0, run())

	cfg, err := cfgpkg.LoadJSON(filepath.Join(outDir, "config.json"), nil)
	require.NoError(t, err)
	assert.NoError(t, cfgpkg.Validate(cfg), "生成的模板应可直接运行")
	env := readLines(t, filepath.Join(outDir, ".env"))
	assert.Contains(t, env, "PRIMESCAN_START=")
	assert.Contains(t, env, "PRIMESCAN_SINK_OPTIONS_JSON=")
}

func TestRunInitConfigDefault(t *testing.T) {
	inTempDir(t)
	resetFlag([]string{"primescan", "--init-config"})
	require.Equal(t, 0, run())
	assert.FileExists(t, "config.json")
	assert.FileExists(t, ".env")
}

func TestRunInitConfigEqualsForm(t *testing.T) {
	dir := inTempDir(t)
	resetFlag([]string{"primescan", "--init-config=tpl"})
	require.Equal(t, 0, run())
	assert.FileExists(t, filepath.Join(dir, "tpl", "config.json"))
}

// 已存在的 config.json 不被覆盖
func TestRunInitConfigFileExists(t *testing.T) {
	dir := inTempDir(t)
	outDir := filepath.Join(dir, "out2")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	dest := filepath.Join(outDir, "config.json")
	require.NoError(t, os.WriteFile(dest, []byte("{}"), 0o644))
	resetFlag([]string{"primescan", "--init-config", outDir})
	assert.Equal(t, 3, run())
	assert.Equal(t, "{}", readLines(t, dest))
}

func TestRunConfigFileNotFound(t *testing.T) {
	inTempDir(t)
	resetFlag([]string{"primescan", "--config", "missing.json"})
	assert.Equal(t, 3, run())
}

func TestRunUnknownFlag(t *testing.T) {
	inTempDir(t)
	resetFlag([]string{"primescan", "--bogus", "x"})
	assert.Equal(t, 3, run())
}

func TestRunPositionalRejected(t *testing.T) {
	inTempDir(t)
	resetFlag([]string{"primescan", "-s", "0", "-e", "10", "extra"})
	assert.Equal(t, 3, run())
}

// 场景 2/3：区间为空或 workers = 0 在扫描前失败，退出码 3
func TestRunConfigErrors(t *testing.T) {
	cases := map[string][]string{
		"start == end":  {"-s", "5", "-e", "5"},
		"start > end":   {"--start", "9", "--end", "3"},
		"zero workers":  {"-s", "0", "-e", "10", "-w", "0"},
		"no interval":   {"-w", "2"},
		"unknown sink":  {"-s", "0", "-e", "10", "--sink", "s3"},
		"bad log level": {"-s", "0", "-e", "10", "--log-level", "loud"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			inTempDir(t)
			called := false
			stubPipeline(t, func(set pipeline.Settings) (contract.Summary, error) {
				called = true
				return okSummary(set)
			})
			resetFlag(append([]string{"primescan"}, args...))
			assert.Equal(t, 3, run())
			assert.False(t, called, "配置错误不得开始扫描")
		})
	}
}

// 场景 5 经 JSON/ENV 层给出 workers=0 同样在扫描前失败
func TestRunZeroWorkersFromConfigLayers(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		inTempDir(t)
		called := false
		stubPipeline(t, func(set pipeline.Settings) (contract.Summary, error) {
			called = true
			return okSummary(set)
		})
		t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", `{"start":2,"end":20,"workers":0,"sink":"memory"}`)
		resetFlag([]string{"primescan", "--status=false"})
		assert.Equal(t, 3, run())
		assert.False(t, called)
	})
	t.Run("env", func(t *testing.T) {
		inTempDir(t)
		called := false
		stubPipeline(t, func(set pipeline.Settings) (contract.Summary, error) {
			called = true
			return okSummary(set)
		})
		t.Setenv(cfgpkg.EnvPrefix+"WORKERS", "0")
		resetFlag([]string{"primescan", "-s", "2", "-e", "20", "--sink", "memory", "--status=false"})
		assert.Equal(t, 3, run())
		assert.False(t, called)
	})
}

func TestRunAssembleError(t *testing.T) {
	inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Options.Sink = json.RawMessage(`{"output_dir":"out","unknown":1}`)
	setConfigJSON(t, cfg)
	resetFlag([]string{"primescan"})
	assert.Equal(t, 3, run())
}

func TestRunEnvParseError(t *testing.T) {
	inTempDir(t)
	t.Setenv(cfgpkg.EnvPrefix+"WORKERS", "many")
	resetFlag([]string{"primescan", "-s", "0", "-e", "10"})
	assert.Equal(t, 3, run())
}

// 优先级：JSON < ENV < CLI
func TestRunPrecedence(t *testing.T) {
	dir := inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	start, end := uint64(10), uint64(20)
	workers := 2
	cfg.Start, cfg.End, cfg.Workers = &start, &end, &workers
	// Options 按 Sink 严格解析；CLI 改为 memory 时不能携带 fs 选项
	cfg.Options.Sink = nil
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), b, 0o644))
	t.Setenv(cfgpkg.EnvPrefix+"END", "30")
	t.Setenv(cfgpkg.EnvPrefix+"WORKERS", "3")

	got := stubPipeline(t, okSummary)
	resetFlag([]string{"primescan", "-w", "5", "--sink", "memory", "--status=false"})
	require.Equal(t, 0, run())
	assert.Equal(t, contract.Interval{Start: 10, End: 30}, got.Interval)
	assert.Equal(t, 5, got.Workers)
	assert.Equal(t, "memory", got.SinkName)
}

// --start 0 必须覆盖配置中的非零起点
func TestRunExplicitZeroStart(t *testing.T) {
	inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	start := uint64(500)
	cfg.Start = &start
	setConfigJSON(t, cfg)
	got := stubPipeline(t, okSummary)
	resetFlag([]string{"primescan", "--start", "0", "--status=false"})
	require.Equal(t, 0, run())
	assert.Equal(t, uint64(0), got.Interval.Start)
}

func TestRunConfigFileEnv(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "nested", "cfg.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"start":1,"end":2,"sink":"memory"}`), 0o644))
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_FILE", path)
	got := stubPipeline(t, okSummary)
	resetFlag([]string{"primescan", "--status=false"})
	require.Equal(t, 0, run())
	assert.Equal(t, contract.Interval{Start: 1, End: 2}, got.Interval)
}

func TestRunDotEnv(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"# comment\nexport PRIMESCAN_START=\"7\"\nPRIMESCAN_END='9'\nPRIMESCAN_SINK=memory\n"), 0o644))
	// 测试结束后清理 .env 注入的变量
	for _, k := range []string{"START", "END", "SINK"} {
		t.Setenv(cfgpkg.EnvPrefix+k, "")
		require.NoError(t, os.Unsetenv(cfgpkg.EnvPrefix+k))
	}
	got := stubPipeline(t, okSummary)
	resetFlag([]string{"primescan", "--status=false"})
	require.Equal(t, 0, run())
	assert.Equal(t, contract.Interval{Start: 7, End: 9}, got.Interval)
	assert.Equal(t, "memory", got.SinkName)
}

func TestRunPipelineError(t *testing.T) {
	inTempDir(t)
	stubPipeline(t, func(pipeline.Settings) (contract.Summary, error) {
		return contract.Summary{}, contract.IOError(errors.New("disk full"), "append")
	})
	resetFlag([]string{"primescan", "-s", "0", "-e", "100", "--status=false"})
	assert.Equal(t, 1, run())
}

func TestRunOutputDirNotDirectory(t *testing.T) {
	dir := inTempDir(t)
	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	stubPipeline(t, okSummary)
	resetFlag([]string{"primescan", "-s", "0", "-e", "10", "-o", file})
	assert.Equal(t, 3, run())
}

// 场景 1：端到端写出 fs 数据集
func TestRunEndToEndFS(t *testing.T) {
	dir := inTempDir(t)
	resetFlag([]string{"primescan", "-s", "2", "-e", "20", "-w", "4", "--status=false"})
	require.Equal(t, 0, run())

	out := filepath.Join(dir, defaultOutputDir)
	assert.Equal(t, "2\n3\n5\n7\n11\n13\n17\n19\n", readLines(t, filepath.Join(out, filesystem.FileName(contract.Primes, filesystem.FormatLines))))
	assert.Equal(t, "4\n6\n8\n9\n10\n12\n14\n15\n16\n18\n", readLines(t, filepath.Join(out, filesystem.FileName(contract.NonPrimes, filesystem.FormatLines))))

	var m filesystem.Manifest
	require.NoError(t, json.Unmarshal([]byte(readLines(t, filepath.Join(out, filesystem.ManifestName))), &m))
	assert.Equal(t, uint64(8), m.Counts.Primes)
	assert.Equal(t, uint64(10), m.Counts.NonPrimes)
	assert.Equal(t, 4, m.Chunks)

	// 日志写入默认目录
	assert.FileExists(t, filepath.Join(dir, diag.DefaultLogDir, "primescan-current.txt"))
}

func TestRunEndToEndSQLite(t *testing.T) {
	dir := inTempDir(t)
	resetFlag([]string{"primescan", "-s", "0", "-e", "1000", "-w", "3", "--sink", "sqlite", "-o", "db", "--status=false"})
	require.Equal(t, 0, run())

	db, err := sql.Open("sqlite", filepath.Join(dir, "db", "dataset.db"))
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM primes`).Scan(&n))
	assert.Equal(t, 168, n)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM non_primes`).Scan(&n))
	assert.Equal(t, 832, n)
}

// 未给出区间时从 range_url 获取；封存后 POST 清单
func TestRunRemoteRangeAndPost(t *testing.T) {
	inTempDir(t)
	posted := make(chan contract.Summary, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/range":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"start":100,"end":200}`))
		case "/results":
			var s contract.Summary
			if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			posted <- s
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	resetFlag([]string{"primescan", "--sink", "memory", "-w", "2", "--status=false",
		"--range-url", srv.URL + "/range", "--post-url", srv.URL + "/results"})
	require.Equal(t, 0, run())
	s := <-posted
	assert.Equal(t, contract.Interval{Start: 100, End: 200}, s.Interval)
	// π(200) - π(100) = 46 - 25
	assert.Equal(t, uint64(21), s.Counts.Primes)
	assert.Equal(t, uint64(79), s.Counts.NonPrimes)
}

func TestRunRemoteRangeFailure(t *testing.T) {
	inTempDir(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	resetFlag([]string{"primescan", "--sink", "memory", "--range-url", srv.URL})
	assert.Equal(t, 3, run())
}

// POST 失败：退出码 1，本地数据集保持封存
func TestRunPostFailureKeepsDataset(t *testing.T) {
	dir := inTempDir(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	resetFlag([]string{"primescan", "-s", "0", "-e", "50", "--post-url", srv.URL, "--status=false"})
	assert.Equal(t, 1, run())
	assert.FileExists(t, filepath.Join(dir, defaultOutputDir, filesystem.ManifestName))
}

func TestRunMetricsAddr(t *testing.T) {
	inTempDir(t)
	stubPipeline(t, okSummary)
	resetFlag([]string{"primescan", "-s", "0", "-e", "10", "--sink", "memory", "--metrics-addr", "127.0.0.1:0", "--status=false"})
	assert.Equal(t, 0, run())

	resetFlag([]string{"primescan", "-s", "0", "-e", "10", "--sink", "memory", "--metrics-addr", "bad::addr::", "--status=false"})
	assert.Equal(t, 3, run())
}

func TestRunStatusSnapshot(t *testing.T) {
	st := &runStatus{corrID: "c", interval: contract.Interval{Start: 0, End: 10}, sink: "memory", workers: 2, phase: "scanning"}
	m := st.snapshot().(map[string]interface{})
	assert.Equal(t, "scanning", m["phase"])
	assert.Nil(t, m["summary"])
	sum := contract.Summary{Chunks: 2}
	st.set("sealed", &sum)
	m = st.snapshot().(map[string]interface{})
	assert.Equal(t, "sealed", m["phase"])
	assert.Equal(t, &sum, m["summary"])
}

func TestWriteConfigStdout(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	old := os.Stdout
	os.Stdout = w
	err = writeConfig("-", cfgpkg.DefaultTemplateConfig())
	os.Stdout = old
	require.NoError(t, err)
	require.NoError(t, w.Close())
	var cfg cfgpkg.Config
	require.NoError(t, json.NewDecoder(r).Decode(&cfg))
	assert.Equal(t, "fs", cfg.Sink)
	_ = r.Close()
}

func TestPreflightMissingDirUsesAncestor(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg, err := cfgpkg.WithSinkOption(cfg, "output_dir", filepath.Join(dir, "a", "b", "c"))
	require.NoError(t, err)
	require.NoError(t, preflightCheckOutputDir(cfg))
	_, err = os.Stat(filepath.Join(dir, "a"))
	assert.True(t, os.IsNotExist(err), "预检不应创建目录")

	cfg.Sink = "memory"
	assert.NoError(t, preflightCheckOutputDir(cfg))
}
