// Package workerpool 并行扫描分块：每个 Chunk 独占一个 worker，worker 之间不通信。
package workerpool

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"

	"primescan/internal/primality"
	"primescan/internal/sieve"
	"primescan/pkg/contract"
)

// progressStride: 每扫描多少个候选值上报一次进度。
const progressStride = 1 << 16

// Emit 接收一个已完成 Chunk 的记录流；在 worker goroutine 中调用。
type Emit func(s *contract.Stream) error

// Pool: 固定大小的 worker 池。
type Pool struct {
	size int
	// OnProgress 可选：累计扫描进度回调（增量），需并发安全。
	OnProgress func(delta uint64)
	// OnChunkDone 可选：某 Chunk 扫描完成回调。
	OnChunkDone func(c contract.Chunk)

	scanned atomic.Uint64
}

// New 创建容量为 size 的池；size < 1 返回 ConfigError。
func New(size int) (*Pool, error) {
	if size < 1 {
		return nil, contract.ConfigErrorf("worker pool size must be >= 1, got %d", size)
	}
	return &Pool{size: size}, nil
}

// Size 返回池容量。
func (p *Pool) Size() int { return p.size }

// Scanned 返回已判定的候选值总数。
func (p *Pool) Scanned() uint64 { return p.scanned.Load() }

// Scan 为每个 Chunk 提交一个任务：按升序遍历区间逐个判定并追加到记录流，
// 完成后通过 emit 交出。
//
// 首错即止：任一 worker 判定失败、emit 失败或 ctx 取消时设置停止标志，
// 其余 worker 在下一个候选值边界退出；返回首个错误。
func (p *Pool) Scan(ctx context.Context, chunks []contract.Chunk, sv *sieve.Sieve, emit Emit) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "scan canceled")
	}
	if len(chunks) > p.size {
		return contract.ConfigErrorf("%d chunks exceed pool size %d", len(chunks), p.size)
	}

	var (
		stop     atomic.Bool
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			stop.Store(true)
		})
	}
	halt := context.AfterFunc(ctx, func() { stop.Store(true) })
	defer halt()

	done := make(chan struct{}, len(chunks))
	pool, err := ants.NewPool(len(chunks),
		ants.WithPreAlloc(true),
		ants.WithPanicHandler(func(v interface{}) {
			fail(errors.Newf("worker panic: %v", v))
			done <- struct{}{}
		}),
	)
	if err != nil {
		return errors.Wrap(err, "create worker pool")
	}
	defer pool.Release()

	submitted := 0
	for _, c := range chunks {
		c := c
		task := func() {
			s, err := p.scanChunk(c, sv, &stop)
			if err == nil {
				if p.OnChunkDone != nil {
					p.OnChunkDone(c)
				}
				err = emit(s)
			}
			if err != nil {
				fail(err)
			}
			done <- struct{}{}
		}
		if err := pool.Submit(task); err != nil {
			fail(errors.Wrapf(err, "submit chunk %d", c.Index))
			break
		}
		submitted++
	}
	for i := 0; i < submitted; i++ {
		<-done
	}

	// done 通道的收发保证此处可见 firstErr
	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "scan canceled")
	}
	return nil
}

// scanChunk 顺序判定 Chunk 内每个候选值。
func (p *Pool) scanChunk(c contract.Chunk, sv *sieve.Sieve, stop *atomic.Bool) (*contract.Stream, error) {
	s := contract.NewStream(c)
	var pending uint64
	for v := c.Interval.Start; v < c.Interval.End; v++ {
		if stop.Load() {
			p.flushProgress(pending)
			return nil, errors.Wrapf(context.Canceled, "chunk %d stopped at candidate %d", c.Index, v)
		}
		ok, err := primality.IsPrime(v, sv)
		if err != nil {
			p.flushProgress(pending)
			return nil, errors.Wrapf(err, "chunk %d", c.Index)
		}
		s.Append(ok)
		pending++
		if pending == progressStride {
			p.flushProgress(pending)
			pending = 0
		}
	}
	p.flushProgress(pending)
	return s, nil
}

func (p *Pool) flushProgress(n uint64) {
	if n == 0 {
		return
	}
	p.scanned.Add(n)
	if p.OnProgress != nil {
		p.OnProgress(n)
	}
}
