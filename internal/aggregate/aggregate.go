// Package aggregate 按 Chunk 序号把各 worker 的记录流提交给 Sink。
//
// 提交门闩：Chunk 连续且按 Index 升序，每个流内部升序，
// 因此只要严格按 Index 提交，全局序列即升序，无需跨块归并。
// 乱序完成的流先缓冲，等待所有更小 Index 的流提交后连续冲刷。
package aggregate

import (
	"context"
	"encoding/binary"
	"hash"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"

	"primescan/pkg/contract"
)

// Aggregator: 有序提交门闩（并发安全）。
type Aggregator struct {
	sink  contract.Sink
	total uint32

	// OnCommit 可选：某 Chunk 提交完成回调（持锁调用，须轻量）。
	OnCommit func(c contract.Chunk, count contract.RecordCount)

	mu      sync.Mutex
	next    uint32
	pending map[uint32]*contract.Stream
	count   contract.RecordCount
	digests [2]hash.Hash64
	last    uint64
	started bool
	failed  error
	closed  bool
}

// New 创建期望 total 个 Chunk 的门闩。
func New(sink contract.Sink, total int) (*Aggregator, error) {
	if sink == nil {
		return nil, contract.ConfigErrorf("aggregator: nil sink")
	}
	if total < 1 || uint64(total) > contract.MaxChunks {
		return nil, contract.ConfigErrorf("aggregator: chunk count %d out of range", total)
	}
	return &Aggregator{
		sink:    sink,
		total:   uint32(total),
		pending: make(map[uint32]*contract.Stream, total),
		digests: [2]hash.Hash64{murmur3.New64(), murmur3.New64()},
	}, nil
}

// Submit 交入一个已完成的记录流；若其正是下一个期望的 Chunk，
// 则连同此后已缓冲的连续流一并提交给 Sink。
// 任一提交失败后门闩进入失败态：丢弃缓冲，拒绝后续流。
func (a *Aggregator) Submit(ctx context.Context, s *contract.Stream) error {
	if s == nil {
		return errors.Wrap(contract.ErrInvariantViolation, "nil stream")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return a.fail(errors.Wrap(err, "aggregator submit"))
	}
	if a.failed != nil {
		return errors.Wrapf(contract.ErrSealed, "aggregator failed: %v", a.failed)
	}
	if a.closed {
		return errors.Wrapf(contract.ErrSealed, "aggregator closed, chunk %d rejected", s.Chunk.Index)
	}
	idx := s.Chunk.Index
	if idx >= a.total {
		return a.fail(errors.Wrapf(contract.ErrInvariantViolation, "chunk %d out of range [0,%d)", idx, a.total))
	}
	if !s.Complete() {
		return a.fail(errors.Wrapf(contract.ErrInvariantViolation, "chunk %d stream incomplete: %d of %d", idx, s.Len(), s.Chunk.Interval.Len()))
	}
	if _, dup := a.pending[idx]; dup || idx < a.next {
		return a.fail(errors.Wrapf(contract.ErrInvariantViolation, "chunk %d submitted twice", idx))
	}
	a.pending[idx] = s

	for {
		ready, ok := a.pending[a.next]
		if !ok {
			break
		}
		delete(a.pending, a.next)
		if err := a.commit(ready); err != nil {
			return a.fail(err)
		}
		a.next++
	}
	return nil
}

// commit 把单个流按 IsPrime 路由到两个集合。持锁调用。
func (a *Aggregator) commit(s *contract.Stream) error {
	var delta contract.RecordCount
	var buf [8]byte
	err := s.Each(func(r contract.Record) error {
		if a.started && r.Value != a.last+1 {
			return errors.Wrapf(contract.ErrInvariantViolation, "chunk %d: value %d follows %d", s.Chunk.Index, r.Value, a.last)
		}
		a.started, a.last = true, r.Value
		col := contract.CollectionOf(r)
		if err := a.sink.Append(col, r.Value); err != nil {
			return contract.IOError(err, "commit chunk %d value %d to %s", s.Chunk.Index, r.Value, col)
		}
		binary.LittleEndian.PutUint64(buf[:], r.Value)
		if r.IsPrime {
			_, _ = a.digests[0].Write(buf[:])
			delta.Primes++
		} else {
			_, _ = a.digests[1].Write(buf[:])
			delta.NonPrimes++
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.count.Primes += delta.Primes
	a.count.NonPrimes += delta.NonPrimes
	if a.OnCommit != nil {
		a.OnCommit(s.Chunk, delta)
	}
	return nil
}

func (a *Aggregator) fail(err error) error {
	a.failed = err
	a.pending = map[uint32]*contract.Stream{}
	return err
}

// Close 在全部 Chunk 提交后封闭门闩并返回统计；仍有未提交 Chunk 时返回错误。
// Close 不封存 Sink，由调用方在写入清单后 Seal。
func (a *Aggregator) Close(ctx context.Context) (contract.RecordCount, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return contract.RecordCount{}, a.fail(errors.Wrap(err, "aggregator close"))
	}
	if a.failed != nil {
		return contract.RecordCount{}, a.failed
	}
	if a.next != a.total {
		return contract.RecordCount{}, errors.Wrapf(contract.ErrInvariantViolation, "only %d of %d chunks committed", a.next, a.total)
	}
	a.closed = true
	out := a.count
	out.PrimesDigest = a.digests[0].Sum64()
	out.NonPrimesDigest = a.digests[1].Sum64()
	return out, nil
}

// Abort 丢弃缓冲中未提交的流并使门闩失效；可重复调用。
func (a *Aggregator) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed == nil {
		a.failed = errors.New("aggregator aborted")
	}
	a.pending = map[uint32]*contract.Stream{}
}

// Committed 返回已提交的 Chunk 数。
func (a *Aggregator) Committed() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Pending 返回缓冲中等待提交的 Chunk 数。
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Commit 一次性提交按 Index 排列的全部记录流（单线程便捷入口）。
// streams 的顺序无关紧要，提交顺序由 Chunk.Index 决定。
func Commit(ctx context.Context, streams []*contract.Stream, sink contract.Sink) (contract.RecordCount, error) {
	a, err := New(sink, len(streams))
	if err != nil {
		return contract.RecordCount{}, err
	}
	for _, s := range streams {
		if err := a.Submit(ctx, s); err != nil {
			return contract.RecordCount{}, err
		}
	}
	return a.Close(ctx)
}
