package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	cfgpkg "primescan/internal/config"
	"primescan/internal/diag"
	"primescan/internal/pipeline"
	"primescan/internal/remote"
	"primescan/pkg/contract"
	"primescan/pkg/registry"
)

var pipelineRun = pipeline.Run

// 退出码
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

// defaultOutputDir: fs/sqlite 未指定 output_dir 时的输出目录。
const defaultOutputDir = "out"

// CLI：无子命令；区间与 worker 数来自 JSON/ENV/CLI 合并结果。
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	// 占位 logger：配置合并前的失败写入默认目录
	logger := diag.NewLogger(corrID, "info")
	defer func() { _ = logger.Close() }()

	fs := flag.CommandLine
	var (
		flagStart     = fs.Uint64P("start", "s", 0, "区间起点（含）")
		flagEnd       = fs.Uint64P("end", "e", 0, "区间终点（不含）")
		flagWorkers   = fs.IntP("workers", "w", 0, "worker 数（覆盖配置；默认逻辑 CPU 数 - 1）")
		flagConfig    = fs.String("config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
		flagSink      = fs.String("sink", "", "Sink 名称："+strings.Join(registry.SinkNames(), "|"))
		flagOutputDir = fs.StringP("output-dir", "o", "", "输出目录（fs/sqlite 的 output_dir）")
		flagLogLevel  = fs.String("log-level", "", "日志级别 debug|info|warn|error")
		flagStatus    = fs.Bool("status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
		flagInitDir   = fs.String("init-config", "", "在指定目录生成默认 config.json 和 .env 模板（已存在则跳过）；不带值时为当前目录")
		flagRangeURL  = fs.String("range-url", "", "未给出区间时从该地址获取 {start,end}")
		flagPostURL   = fs.String("post-url", "", "封存后 POST 运行清单的地址")
		flagMetrics   = fs.String("metrics-addr", "", "在该地址暴露 /metrics 与 /status")
	)
	fs.Lookup("init-config").NoOptDefVal = "."
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fprintf(os.Stderr, "参数解析失败: %v\n", err)
		return exitConfig
	}

	// --init-config: 生成模板并退出（裸开关后的位置参数视为目录）
	if fs.Changed("init-config") {
		dir := strings.TrimSpace(*flagInitDir)
		if dir == "." && fs.NArg() > 0 {
			dir = fs.Arg(0)
		}
		if err := initConfig(dir); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "init config: "+err.Error(), &start)
			return exitConfig
		}
		return exitOK
	}
	if fs.NArg() > 0 {
		fprintf(os.Stderr, "不接受位置参数: %s\n", strings.Join(fs.Args(), " "))
		return exitConfig
	}

	// JSON 配置（文件或 ENV: PRIMESCAN_CONFIG_JSON）
	var cfgJSON []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	cfgPath := *flagConfig
	if cfgPath == "" {
		cfgPath = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if cfgPath == "" {
		if _, err := os.Stat("config.json"); err == nil {
			cfgPath = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if cfgPath != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(cfgPath, cfgJSON)
		if err != nil {
			return configFail(logger, "配置解析失败", err, start)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	// ENV 覆盖
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return configFail(logger, "环境变量解析失败", err, start)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖：仅显式给出的旗标参与（start/end 允许为 0）
	var overCLI cfgpkg.Config
	if fs.Changed("start") {
		overCLI.Start = flagStart
	}
	if fs.Changed("end") {
		overCLI.End = flagEnd
	}
	if fs.Changed("workers") {
		overCLI.Workers = flagWorkers
	}
	overCLI.Sink = *flagSink
	overCLI.Logging.Level = *flagLogLevel
	overCLI.Remote.RangeURL = *flagRangeURL
	overCLI.Remote.PostURL = *flagPostURL
	overCLI.MetricsAddr = *flagMetrics
	cfg = cfgpkg.Merge(cfg, overCLI)
	if *flagOutputDir != "" {
		if cfg, err = cfgpkg.WithSinkOption(cfg, "output_dir", *flagOutputDir); err != nil {
			return configFail(logger, "配置解析失败", err, start)
		}
	}

	// 使用最终配置中的日志级别与目录重建 logger
	_ = logger.Close()
	logger = diag.NewLoggerWithDir(corrID, cfg.Logging.Level, cfg.Logging.Dir)

	client := remote.New(time.Duration(cfg.Remote.TimeoutSeconds) * time.Second)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 未给出区间：从 range_url 获取缺失的一端或两端
	if !cfg.HasInterval() && cfg.Remote.RangeURL != "" {
		t := logger.StartWithKV("remote", "fetch range", "", map[string]string{"url": cfg.Remote.RangeURL})
		iv, err := client.FetchRange(ctx, cfg.Remote.RangeURL)
		if err != nil {
			return configFail(logger, "获取区间失败", err, start)
		}
		t.Finish("fetch range", 1)
		if cfg.Start == nil {
			cfg.Start = &iv.Start
		}
		if cfg.End == nil {
			cfg.End = &iv.End
		}
	}

	if cfg, err = withDefaultOutputDir(cfg); err != nil {
		return configFail(logger, "配置解析失败", err, start)
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.Error("config", string(diag.Classify(err)), err.Error(), &start)
		return exitConfig
	}

	// 预检：fs/sqlite 输出目录可写
	if err := preflightCheckOutputDir(cfg); err != nil {
		return configFail(logger, "输出目录不可写或无法创建", err, start)
	}

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return configFail(logger, "装配失败", err, start)
	}
	logger.DebugStart("config", "effective", "", map[string]string{
		"start":        strconv.FormatUint(set.Interval.Start, 10),
		"end":          strconv.FormatUint(set.Interval.End, 10),
		"workers":      strconv.Itoa(set.Workers),
		"sink":         set.SinkName,
		"output_dir":   cfgpkg.SinkOption(cfg, "output_dir"),
		"post_url":     cfg.Remote.PostURL,
		"metrics_addr": cfg.MetricsAddr,
	})

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, *flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	st := &runStatus{corrID: corrID, interval: set.Interval, sink: set.SinkName, workers: set.Workers, started: start, phase: "scanning"}
	if cfg.MetricsAddr != "" {
		srv, err := diag.StartMetricsServer(cfg.MetricsAddr, st.snapshot, logger)
		if err != nil {
			return configFail(logger, "指标服务启动失败", contract.ConfigErrorf("metrics_addr %q: %v", cfg.MetricsAddr, err), start)
		}
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	// 运行流水线
	t := logger.Start("pipeline", "run")
	sum, err := pipelineRun(ctx, comp, set, logger)
	if err != nil {
		st.set("failed", nil)
		return runtimeFail(logger, term, err, start)
	}
	st.set("sealed", &sum)

	if cfg.Remote.PostURL != "" {
		rt := logger.StartWithKV("remote", "post summary", "", map[string]string{"url": cfg.Remote.PostURL})
		if err := client.PostSummary(ctx, cfg.Remote.PostURL, sum); err != nil {
			// 本地数据集已封存，不回滚
			logger.ErrorWithKV("remote", string(diag.Classify(err)), err.Error(), rt.Since(), "", nil)
			return runtimeFail(logger, term, err, start)
		}
		rt.Finish("post summary", 1)
	}

	t.Finish("run", int64(sum.Counts.Total()))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	term.RunFinish(sum, time.Since(start))
	return exitOK
}

func configFail(logger *diag.Logger, what string, err error, start time.Time) int {
	fprintf(os.Stderr, "%s: %v\n", what, err)
	logger.Error("config", string(diag.Classify(err)), err.Error(), &start)
	diag.IncError("config", string(diag.Classify(err)))
	return exitConfig
}

func runtimeFail(logger *diag.Logger, term *diag.Terminal, err error, start time.Time) int {
	code := string(diag.Classify(err))
	logger.ErrorWithKV("pipeline", code, "first error", &start, "", map[string]string{"kind": contract.Kind(err)})
	diag.IncOp("pipeline", "error", "error")
	if code != string(diag.CodeUnknown) {
		diag.IncError("pipeline", code)
	}
	if !errors.Is(err, context.Canceled) {
		fprintf(os.Stderr, "运行失败: %v\n", err)
	}
	term.RunFail(contract.Kind(err), err, time.Since(start))
	return exitRuntime
}

// runStatus: /status 载荷。
type runStatus struct {
	mu       sync.Mutex
	corrID   string
	interval contract.Interval
	sink     string
	workers  int
	started  time.Time
	phase    string
	summary  *contract.Summary
}

func (s *runStatus) set(phase string, sum *contract.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	s.summary = sum
}

func (s *runStatus) snapshot() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"corr_id":    s.corrID,
		"phase":      s.phase,
		"interval":   s.interval,
		"sink":       s.sink,
		"workers":    s.workers,
		"elapsed_ms": time.Since(s.started).Milliseconds(),
		"summary":    s.summary,
	}
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

// withDefaultOutputDir: fs/sqlite 未设置 output_dir 时使用 ./out。
func withDefaultOutputDir(cfg cfgpkg.Config) (cfgpkg.Config, error) {
	if !usesOutputDir(cfg.Sink) || cfgpkg.SinkOption(cfg, "output_dir") != "" {
		return cfg, nil
	}
	return cfgpkg.WithSinkOption(cfg, "output_dir", defaultOutputDir)
}

func usesOutputDir(sink string) bool {
	switch strings.TrimSpace(sink) {
	case "", "fs", "sqlite":
		return true
	}
	return false
}

func initConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
		return err
	}
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "；
// - 仅按首个 '=' 分割；成对的单/双引号去除，双引号内处理 \n \t \" \\；
// - 不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 {
			if (val[0] == '\'' && val[len(val)-1] == '\'') || (val[0] == '"' && val[len(val)-1] == '"') {
				quoted := val[0]
				val = val[1 : len(val)-1]
				if quoted == '"' {
					val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\\`, `\`).Replace(val)
				}
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// writeDotEnv 生成 .env 模板（已存在则跳过）。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# primescan .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("PRIMESCAN_CONFIG_FILE=\n")
	b.WriteString("PRIMESCAN_CONFIG_JSON=\n\n")

	b.WriteString("# 扫描参数\n")
	for _, k := range []string{"START", "END", "WORKERS"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 输出\n")
	for _, k := range []string{"SINK", "SINK_OPTIONS_JSON"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 日志与指标\n")
	for _, k := range []string{"LOG_LEVEL", "LOG_DIR", "METRICS_ADDR"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 外部服务\n")
	for _, k := range []string{"RANGE_URL", "POST_URL", "REMOTE_TIMEOUT_SECONDS"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckOutputDir: fs/sqlite Sink 启动前检查输出目录可写性。
// - 目录存在：创建并删除临时文件；
// - 目录不存在：在最近的已存在祖先目录中创建并删除临时目录。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	if !usesOutputDir(cfg.Sink) {
		return nil
	}
	dir := strings.TrimSpace(cfgpkg.SinkOption(cfg, "output_dir"))
	if dir == "" {
		// 由装配阶段按实现报错
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return contract.IOError(err, "output dir %s", dir)
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	case err == nil:
		return contract.ConfigErrorf("output dir %s exists but is not a directory", dir)
	case !os.IsNotExist(err):
		return contract.IOError(err, "output dir %s", dir)
	}
	parent := filepath.Dir(filepath.Clean(dir))
	for {
		pst, err := os.Stat(parent)
		if err == nil {
			if !pst.IsDir() {
				return contract.ConfigErrorf("output dir parent %s is not a directory", parent)
			}
			break
		}
		if !os.IsNotExist(err) {
			return contract.IOError(err, "output dir parent %s", parent)
		}
		next := filepath.Dir(parent)
		if next == parent {
			return contract.ConfigErrorf("output dir %s has no existing ancestor", dir)
		}
		parent = next
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return contract.IOError(err, "output dir parent %s", parent)
	}
	_ = os.RemoveAll(tmpd)
	return nil
}
