package contract

import "math"

// Interval: 半开区间 [Start, End)。
// 约束：Start < End ≤ math.MaxUint64。
type Interval struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Validate 校验区间非空。
func (iv Interval) Validate() error {
	if iv.Start >= iv.End {
		return ConfigErrorf("interval [%d, %d) is empty: start must be < end", iv.Start, iv.End)
	}
	return nil
}

// Len 返回区间内整数个数（End-Start，不会溢出）。
func (iv Interval) Len() uint64 {
	if iv.End <= iv.Start {
		return 0
	}
	return iv.End - iv.Start
}

// Contains 判断 v 是否落在区间内。
func (iv Interval) Contains(v uint64) bool { return v >= iv.Start && v < iv.End }

// Chunk: 分配给单个 worker 的连续子区间。
// Index 与区间数值顺序一致：Index 越小，区间越靠前。
type Chunk struct {
	Index    uint32   `json:"index"`
	Interval Interval `json:"interval"`
}

// MaxChunks: Chunk.Index 的取值上限。
const MaxChunks = math.MaxUint32

// Record: 单个整数的分类结果。
type Record struct {
	Value   uint64
	IsPrime bool
}

// Collection: 数据集中的逻辑集合。
type Collection string

const (
	Primes    Collection = "primes"
	NonPrimes Collection = "non_primes"
)

// CollectionOf 按 IsPrime 路由。
func CollectionOf(r Record) Collection {
	if r.IsPrime {
		return Primes
	}
	return NonPrimes
}

// RecordCount: 提交统计。Digest 为按提交顺序累积的 murmur3 64 位摘要，
// 相同区间在不同 worker 数下必须一致。
type RecordCount struct {
	Primes          uint64 `json:"primes"`
	NonPrimes       uint64 `json:"non_primes"`
	PrimesDigest    uint64 `json:"primes_digest"`
	NonPrimesDigest uint64 `json:"non_primes_digest"`
}

// Total 返回已提交记录总数。
func (c RecordCount) Total() uint64 { return c.Primes + c.NonPrimes }

// Summary: 一次完整扫描的清单，Seal 时交给 Sink 持久化。
type Summary struct {
	Interval  Interval    `json:"interval"`
	Workers   int         `json:"workers"`
	Chunks    int         `json:"chunks"`
	Counts    RecordCount `json:"counts"`
	ElapsedMS int64       `json:"elapsed_ms"`
}
