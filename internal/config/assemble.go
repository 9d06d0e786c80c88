package config

import (
	"strings"

	"primescan/internal/pipeline"
	"primescan/pkg/contract"
	"primescan/pkg/registry"
)

// Validate 对最小必要边界做静态校验；全部失败均为 ConfigError。
func Validate(cfg Config) error {
	if !cfg.HasInterval() {
		return contract.ConfigErrorf("config: start and end are required (or set remote.range_url)")
	}
	if err := (contract.Interval{Start: *cfg.Start, End: *cfg.End}).Validate(); err != nil {
		return err
	}
	if n := cfg.WorkerCount(); n < 1 {
		return contract.ConfigErrorf("config: workers must be >= 1, got %d", n)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return contract.ConfigErrorf("config: logging.level %q (want debug|info|warn|error)", cfg.Logging.Level)
	}
	if cfg.Remote.TimeoutSeconds < 0 {
		return contract.ConfigErrorf("config: remote.timeout_seconds must be >= 0")
	}
	// 名称为空时使用默认名（由 Defaults() 提供）
	if name := effName(cfg.Sink, Defaults().Sink); registry.Sink[name] == nil {
		return contract.ConfigErrorf("config: sink %q not registered (have %s)", name, strings.Join(registry.SinkNames(), ", "))
	}
	return nil
}

// Interval 返回配置中的区间；调用前须已通过 Validate。
func (c Config) Interval() contract.Interval {
	if !c.HasInterval() {
		return contract.Interval{}
	}
	return contract.Interval{Start: *c.Start, End: *c.End}
}

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	name := effName(cfg.Sink, Defaults().Sink)
	sink, err := registry.Sink[name](cfg.Options.Sink)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	set := pipeline.Settings{
		Interval: cfg.Interval(),
		Workers:  cfg.WorkerCount(),
		SinkName: name,
	}
	return pipeline.Components{Sink: sink}, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
