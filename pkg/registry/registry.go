package registry

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"

	"primescan/pkg/contract"
	wfs "primescan/plugins/writer/filesystem"
	wmem "primescan/plugins/writer/memory"
	wsql "primescan/plugins/writer/sqlite"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
// 解码失败归为 ConfigError。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode sink options"), contract.ErrConfig)
	}
	return nil
}

// NewSink 工厂签名：接收原样 JSON Options。
type NewSink func(raw json.RawMessage) (contract.Sink, error)

// Sink 工厂注册表（显式、零反射）。
var Sink = map[string]NewSink{
	// fs: 文件系统 Sink（覆盖写/原子替换可配置，lines/csv 两种格式）
	"fs": func(raw json.RawMessage) (contract.Sink, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
	// sqlite: 单文件 SQLite 数据库
	"sqlite": func(raw json.RawMessage) (contract.Sink, error) {
		var opts wsql.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wsql.New(&opts)
	},
	// memory: 进程内，仅用于测试与空跑
	"memory": func(raw json.RawMessage) (contract.Sink, error) {
		var opts wmem.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wmem.New(&opts), nil
	},
}

// SinkNames 返回已注册的 Sink 名称（排序）。
func SinkNames() []string {
	out := make([]string, 0, len(Sink))
	for k := range Sink {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
