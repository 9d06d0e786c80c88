package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 区间 [0, 1000000)，worker 数按本机 CPU；
// - fs Sink 输出到 ./out 目录；
// - 选项包含全部键，值为安全中性默认。
func DefaultTemplateConfig() Config {
	d := Defaults()
	start, end := uint64(0), uint64(1000000)
	cfg := Config{
		Start:   &start,
		End:     &end,
		Workers: intPtr(d.WorkerCount()),
		Logging: Logging{Level: "info", Dir: "logs"},
		Sink:    d.Sink,
		Remote:  Remote{TimeoutSeconds: 10},
	}
	cfg.Options.Sink = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "format": "lines",
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}
