package pipeline

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"primescan/internal/aggregate"
	"primescan/internal/diag"
	"primescan/internal/partition"
	"primescan/internal/sieve"
	"primescan/internal/workerpool"
	"primescan/pkg/contract"
)

// - 单点并发：仅 workerpool 管理并发；筛表构建后只读，按引用共享给全部 worker。
// - 顺序门闩：Chunk 按 Index 严格递增提交给 Sink；乱序完成的流暂存，连续冲刷。
// - 首错取消：任一 worker、门闩或 Sink 出错即停止全部 worker，丢弃部分输出并返回该错误。
// - 封存：全部 Chunk 提交后才 Seal；失败的运行不会留下已封存的数据集。

// Components 聚合运行所需的组件。
type Components struct {
	Sink contract.Sink
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Interval contract.Interval
	Workers  int
	// SinkName 仅用于日志/终端展示。
	SinkName string
}

// Run 执行完整扫描：Partition → Sieve → WorkerPool → Aggregator → Sink.Seal。
// 返回已封存数据集的清单；出错时已对 Sink 调用 Abort。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (contract.Summary, error) {
	t0 := time.Now()
	if err := sanity(comp, set); err != nil {
		return contract.Summary{}, errors.Wrap(err, "sanity")
	}

	// 分块
	ptimer := logger.StartWithKV("partition", "split", "", map[string]string{
		"start": strconv.FormatUint(set.Interval.Start, 10), "end": strconv.FormatUint(set.Interval.End, 10),
		"workers": strconv.Itoa(set.Workers),
	})
	chunks, err := partition.Split(set.Interval, workerCount(set.Workers))
	if err == nil {
		err = contract.ValidateChunks(set.Interval, chunks)
	}
	if err != nil {
		return contract.Summary{}, stageError(logger, "partition", ptimer, errors.Wrap(err, "partition"))
	}
	ptimer.Finish("split", int64(len(chunks)))
	diag.IncOp("partition", "finish", "success")

	// 筛表
	stimer := logger.Start("sieve", "build")
	sv, err := sieve.Build(sieve.LimitFor(set.Interval.End))
	if err != nil {
		return contract.Summary{}, stageError(logger, "sieve", stimer, errors.Wrap(err, "sieve"))
	}
	stimer.Finish("build", int64(sv.Len()))
	diag.IncOp("sieve", "finish", "success")
	diag.ObserveDuration("sieve", "build", time.Since(*stimer.Since()).Milliseconds())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Sink
	if err := comp.Sink.Open(ctx, set.Interval); err != nil {
		_ = comp.Sink.Abort()
		return contract.Summary{}, stageError(logger, "sink", nil, sinkError(err, "sink open"))
	}

	agg, err := aggregate.New(comp.Sink, len(chunks))
	if err != nil {
		_ = comp.Sink.Abort()
		return contract.Summary{}, stageError(logger, "aggregate", nil, err)
	}
	pool, err := workerpool.New(len(chunks))
	if err != nil {
		_ = comp.Sink.Abort()
		return contract.Summary{}, stageError(logger, "pool", nil, err)
	}

	term := diag.GetTerminal()
	term.RunStart(set.Workers, set.Interval, len(chunks), set.SinkName)
	var committed atomic.Int32
	agg.OnCommit = func(c contract.Chunk, n contract.RecordCount) {
		committed.Inc()
		diag.AddRecords(string(contract.Primes), n.Primes)
		diag.AddRecords(string(contract.NonPrimes), n.NonPrimes)
		diag.IncOp("aggregate", "commit", "success")
		logger.DebugStart("aggregate", "commit", chunkID(c), map[string]string{
			"primes": strconv.FormatUint(n.Primes, 10), "non_primes": strconv.FormatUint(n.NonPrimes, 10),
		})
	}
	pool.OnProgress = func(delta uint64) {
		diag.AddCandidates(delta)
		term.Progress(pool.Scanned(), int(committed.Load()))
	}
	pool.OnChunkDone = func(c contract.Chunk) {
		diag.IncOp("pool", "chunk", "success")
		logger.DebugStart("pool", "chunk scanned", chunkID(c), nil)
	}

	// 扫描 + 有序提交
	wtimer := logger.StartWithKV("pool", "scan", "", map[string]string{"chunks": strconv.Itoa(len(chunks))})
	err = pool.Scan(ctx, chunks, sv, func(s *contract.Stream) error {
		return agg.Submit(ctx, s)
	})
	var counts contract.RecordCount
	if err == nil {
		counts, err = agg.Close(ctx)
	}
	if err != nil {
		cancel()
		agg.Abort()
		if aerr := comp.Sink.Abort(); aerr != nil {
			logger.Warn("sink", "abort failed: "+aerr.Error(), nil)
		}
		return contract.Summary{}, stageError(logger, "pool", wtimer, err)
	}
	wtimer.Finish("scan", int64(counts.Total()))
	diag.IncOp("pool", "finish", "success")
	diag.ObserveDuration("pool", "scan", time.Since(*wtimer.Since()).Milliseconds())

	sum := contract.Summary{
		Interval:  set.Interval,
		Workers:   set.Workers,
		Chunks:    len(chunks),
		Counts:    counts,
		ElapsedMS: time.Since(t0).Milliseconds(),
	}

	// 封存
	ktimer := logger.Start("sink", "seal")
	if err := comp.Sink.Seal(ctx, sum); err != nil {
		_ = comp.Sink.Abort()
		return contract.Summary{}, stageError(logger, "sink", ktimer, sinkError(err, "sink seal"))
	}
	ktimer.Finish("seal", int64(counts.Total()))
	diag.IncOp("sink", "finish", "success")
	logger.InfoFinish("run", "sealed", t0, int64(counts.Total()))
	return sum, nil
}

func sanity(comp Components, set Settings) error {
	if comp.Sink == nil {
		return contract.ConfigErrorf("sink is required")
	}
	if err := set.Interval.Validate(); err != nil {
		return err
	}
	if set.Workers < 1 {
		return contract.ConfigErrorf("workers must be >= 1, got %d", set.Workers)
	}
	return nil
}

// workerCount: worker 数上限为 Chunk 序号空间；Split 会进一步按区间长度收敛。
func workerCount(n int) uint32 {
	if uint64(n) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

// sinkError: Sink 返回的未分类错误归为 IoError。
func sinkError(err error, op string) error {
	switch contract.Kind(err) {
	case "unknown":
		return contract.IOError(err, "%s", op)
	default:
		return errors.Wrap(err, op)
	}
}

func stageError(logger *diag.Logger, comp string, t *diag.Timer, err error) error {
	code := diag.Classify(err)
	logger.ErrorWithKV(comp, string(code), err.Error(), t.Since(), "", map[string]string{"kind": contract.Kind(err)})
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
	return err
}

func chunkID(c contract.Chunk) string { return strconv.FormatUint(uint64(c.Index), 10) }
