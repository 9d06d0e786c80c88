// Package memory 提供进程内 Sink：用于测试与 --sink memory 的空跑。
package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"primescan/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	// FailAfter: >0 时第 FailAfter+1 次 Append 返回 I/O 错误（故障注入）。
	FailAfter int `json:"fail_after,omitempty"`
	// FailSeal: 为 true 时 Seal 返回 I/O 错误。
	FailSeal bool `json:"fail_seal,omitempty"`
}

// ErrInjected: 故障注入产生的底层错误。
var ErrInjected = errors.New("memory sink: injected failure")

// Sink 在内存中保存两个集合。
type Sink struct {
	opts Options

	mu        sync.Mutex
	iv        contract.Interval
	opened    bool
	sealed    bool
	aborted   bool
	appends   int
	primes    []uint64
	nonPrimes []uint64
	summary   *contract.Summary
}

// New 构造内存 Sink。opts 可为 nil。
func New(opts *Options) *Sink {
	s := &Sink{}
	if opts != nil {
		s.opts = *opts
	}
	return s
}

var _ contract.Sink = (*Sink)(nil)

// Open 实现 contract.Sink。
func (s *Sink) Open(ctx context.Context, iv contract.Interval) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return errors.Wrap(contract.ErrSealed, "memory sink already opened")
	}
	s.iv, s.opened = iv, true
	return nil
}

// Append 实现 contract.Sink。
func (s *Sink) Append(c contract.Collection, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.sealed || s.aborted {
		return errors.Wrapf(contract.ErrSealed, "memory sink not writable (append %d)", v)
	}
	if s.opts.FailAfter > 0 && s.appends >= s.opts.FailAfter {
		return errors.Wrapf(ErrInjected, "append %d", v)
	}
	s.appends++
	switch c {
	case contract.Primes:
		s.primes = append(s.primes, v)
	case contract.NonPrimes:
		s.nonPrimes = append(s.nonPrimes, v)
	default:
		return errors.Newf("memory sink: unknown collection %q", c)
	}
	return nil
}

// Seal 实现 contract.Sink。
func (s *Sink) Seal(ctx context.Context, sum contract.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.sealed || s.aborted {
		return errors.Wrap(contract.ErrSealed, "memory sink not sealable")
	}
	if s.opts.FailSeal {
		return errors.Wrap(ErrInjected, "seal")
	}
	s.sealed = true
	s.summary = &sum
	return nil
}

// Abort 实现 contract.Sink：丢弃全部内容。
func (s *Sink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	s.aborted = true
	s.primes, s.nonPrimes = nil, nil
	return nil
}

// Primes 返回素数集合副本。
func (s *Sink) Primes() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.primes...)
}

// NonPrimes 返回非素数集合副本。
func (s *Sink) NonPrimes() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.nonPrimes...)
}

// Sealed 返回是否已封存。
func (s *Sink) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// Aborted 返回是否已丢弃。
func (s *Sink) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Summary 返回 Seal 时写入的清单；未封存时返回 nil。
func (s *Sink) Summary() *contract.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}
