package contract

import (
	"context"

	"github.com/cockroachdb/errors"
)

// 错误分类（三类致命错误 + 通用不变量哨兵）。
// 构造函数通过 errors.Mark 打标记：errors.Is 判定类别，原始 cause 仍可 errors.As。
var (
	// ErrConfig: 区间非法或 worker 为 0；扫描开始前检测。
	ErrConfig = errors.New("config error")
	// ErrDomain: 定宽整数域内的算术溢出或筛上限不一致。
	ErrDomain = errors.New("domain error")
	// ErrIO: Sink 写入/刷新失败。
	ErrIO = errors.New("io error")
	// ErrInvariantViolation: 提交顺序等内部不变量违例（归入 domain）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrPathInvalid: 输出路径无效/越界。
	ErrPathInvalid = errors.New("path invalid")
	// ErrSealed: 数据集已封存或已丢弃，不再接受写入。
	ErrSealed = errors.New("dataset sealed")
)

// ConfigErrorf 构造 ConfigError。
func ConfigErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfig)
}

// DomainErrorf 构造 DomainError。
func DomainErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrDomain)
}

// IOError 将底层 I/O 错误包装为 IoError，保留 cause。
func IOError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

// Kind 返回错误类别名，用于终端失败报告。
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrDomain), errors.Is(err, ErrInvariantViolation):
		return "domain"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancel"
	default:
		return "unknown"
	}
}
