package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"primescan/pkg/contract"
)

// EnvPrefix: 环境变量前缀。
const EnvPrefix = "PRIMESCAN_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：区间不设默认（必须由 JSON/ENV/CLI 或 remote.range_url 提供）。
func Defaults() Config {
	return Config{
		Workers: intPtr(DefaultWorkers()),
		Logging: Logging{Level: "info"},
		Sink:    "fs",
	}
}

// DefaultWorkers: 逻辑 CPU 数 - 1，至少 1（为调度与写出留一个核）。
func DefaultWorkers() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 所有失败均为 ConfigError。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, errors.Mark(errors.Wrap(err, "open config"), contract.ErrConfig)
		}
		defer f.Close()
		r = f
	default:
		return cfg, contract.ConfigErrorf("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Mark(errors.Wrap(err, "decode config"), contract.ErrConfig)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if over.Start != nil {
		v := *over.Start
		out.Start = &v
	}
	if over.End != nil {
		v := *over.End
		out.End = &v
	}
	if over.Workers != nil {
		out.Workers = intPtr(*over.Workers)
	}
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}
	if strings.TrimSpace(over.Logging.Dir) != "" {
		out.Logging.Dir = strings.TrimSpace(over.Logging.Dir)
	}
	if strings.TrimSpace(over.Sink) != "" {
		out.Sink = strings.TrimSpace(over.Sink)
	}
	// Options（完整替换）
	if len(over.Options.Sink) > 0 {
		out.Options.Sink = cloneRaw(over.Options.Sink)
	}
	if over.Remote.RangeURL != "" {
		out.Remote.RangeURL = over.Remote.RangeURL
	}
	if over.Remote.PostURL != "" {
		out.Remote.PostURL = over.Remote.PostURL
	}
	if over.Remote.TimeoutSeconds != 0 {
		out.Remote.TimeoutSeconds = over.Remote.TimeoutSeconds
	}
	if over.MetricsAddr != "" {
		out.MetricsAddr = over.MetricsAddr
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 PRIMESCAN_；集合之外的键忽略。
// 支持：START, END, WORKERS, SINK, SINK_OPTIONS_JSON, LOG_LEVEL, LOG_DIR,
// RANGE_URL, POST_URL, REMOTE_TIMEOUT_SECONDS, METRICS_ADDR。
// 数值无法解析时返回 ConfigError。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			// 空值视为未设置，避免清空 config.json
			continue
		}
		switch key {
		case "START", "END":
			v, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return Config{}, contract.ConfigErrorf("env %s%s: %q is not an unsigned 64-bit integer", EnvPrefix, key, val)
			}
			if key == "START" {
				over.Start = &v
			} else {
				over.End = &v
			}
		case "WORKERS":
			v, err := atoi(val)
			if err != nil {
				return Config{}, contract.ConfigErrorf("env %sWORKERS: %q is not an integer", EnvPrefix, val)
			}
			over.Workers = &v
		case "SINK":
			over.Sink = val
		case "SINK_OPTIONS_JSON":
			over.Options.Sink = json.RawMessage(val)
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "RANGE_URL":
			over.Remote.RangeURL = val
		case "POST_URL":
			over.Remote.PostURL = val
		case "REMOTE_TIMEOUT_SECONDS":
			v, err := atoi(val)
			if err != nil {
				return Config{}, contract.ConfigErrorf("env %sREMOTE_TIMEOUT_SECONDS: %q is not an integer", EnvPrefix, val)
			}
			over.Remote.TimeoutSeconds = v
		case "METRICS_ADDR":
			over.MetricsAddr = val
		default:
			// CONFIG_FILE/CONFIG_JSON 由入口处理；其余键忽略。
		}
	}
	return over, nil
}

// SinkOption 读取 Sink Options 中的字符串字段（不存在或非字符串时返回空）。
func SinkOption(cfg Config, key string) string {
	if len(cfg.Options.Sink) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(cfg.Options.Sink, &m); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m[key], &s); err != nil {
		return ""
	}
	return s
}

// WithSinkOption 返回设置了 Sink Options 字段 key 的配置副本（其余字段保留）。
func WithSinkOption(cfg Config, key string, value interface{}) (Config, error) {
	m := map[string]json.RawMessage{}
	if len(cfg.Options.Sink) > 0 {
		if err := json.Unmarshal(cfg.Options.Sink, &m); err != nil {
			return cfg, errors.Mark(errors.Wrap(err, "options.sink must be a JSON object"), contract.ErrConfig)
		}
		if m == nil {
			m = map[string]json.RawMessage{}
		}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return cfg, errors.Wrapf(err, "encode options.sink.%s", key)
	}
	m[key] = b
	raw, err := json.Marshal(m)
	if err != nil {
		return cfg, errors.Wrap(err, "encode options.sink")
	}
	cfg.Options.Sink = raw
	return cfg, nil
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func intPtr(v int) *int { return &v }

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
