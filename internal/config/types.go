package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Start/End: 扫描区间 [start, end)。缺省时可由 remote.range_url 获取。
	Start *uint64 `json:"start,omitempty"`
	End   *uint64 `json:"end,omitempty"`
	// Workers: worker 数（>=1），默认逻辑 CPU 数 - 1。
	// 指针区分“未设置”与显式 0；显式 0 在 Validate 中失败。
	Workers *int    `json:"workers,omitempty"`
	Logging Logging `json:"logging"`

	// Sink: 注册表中的 Sink 名称。
	Sink string `json:"sink"`
	// 组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`

	Remote Remote `json:"remote"`
	// MetricsAddr: 非空时在该地址暴露 /metrics 与 /status。
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// Logging: 日志等级与目录；轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir,omitempty"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Sink json.RawMessage `json:"sink,omitempty"`
}

// Remote: 外部服务（可选）。
type Remote struct {
	// RangeURL: 未指定区间时 GET 该地址获取 {"start","end"}。
	RangeURL string `json:"range_url,omitempty"`
	// PostURL: 封存后 POST 运行清单。
	PostURL        string `json:"post_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// HasInterval 判断区间两端是否均已给出。
func (c Config) HasInterval() bool { return c.Start != nil && c.End != nil }

// WorkerCount 返回配置的 worker 数；未设置时为 DefaultWorkers()。
func (c Config) WorkerCount() int {
	if c.Workers == nil {
		return DefaultWorkers()
	}
	return *c.Workers
}
