// Package sieve 预计算 [2, limit] 内的全部素数，作为试除的唯一除数来源。
//
// Sieve 构造一次、构造后只读，可按指针在任意多个 worker 间共享而无需加锁。
package sieve

import (
	"math"
	"math/bits"

	"github.com/willf/bitset"

	"primescan/pkg/contract"
)

// MaxLimit: 筛上限的最大值。素数以 uint32 存储，
// 且任何 p ≤ MaxLimit 的素数满足 p² < 2^64。
const MaxLimit uint64 = 1 << 32

// Sieve: 升序素数表（只读）。
type Sieve struct {
	limit  uint64
	primes []uint32
}

// LimitFor 返回覆盖 [0, end) 内所有候选值所需的筛上限：⌊√(end-1)⌋ + 1。
func LimitFor(end uint64) uint64 {
	if end <= 1 {
		return 0
	}
	return Sqrt(end-1) + 1
}

// Sqrt 返回 ⌊√n⌋（整数精确，不受浮点舍入影响）。
func Sqrt(n uint64) uint64 {
	r := uint64(math.Sqrt(float64(n)))
	for r > 0 && squareExceeds(r, n) {
		r--
	}
	for !squareExceeds(r+1, n) {
		r++
	}
	return r
}

// squareExceeds 判断 r*r > n（溢出亦视为超出）。
func squareExceeds(r, n uint64) bool {
	hi, lo := bits.Mul64(r, r)
	return hi != 0 || lo > n
}

// Build 以埃拉托斯特尼筛法计算 [2, limit] 内全部素数。
// limit 超出筛下标宽度时返回 DomainError。
func Build(limit uint64) (*Sieve, error) {
	if limit > MaxLimit {
		return nil, contract.DomainErrorf("sieve limit %d exceeds max %d", limit, MaxLimit)
	}
	if limit > uint64(math.MaxInt)-1 {
		return nil, contract.DomainErrorf("sieve limit %d overflows platform index width", limit)
	}
	s := &Sieve{limit: limit}
	if limit < 2 {
		return s, nil
	}
	// 置位表示合数
	composite := bitset.New(uint(limit + 1))
	for p := uint64(2); p*p <= limit; p++ {
		if composite.Test(uint(p)) {
			continue
		}
		for m := p * p; m <= limit; m += p {
			composite.Set(uint(m))
		}
	}
	s.primes = make([]uint32, 0, estimateCount(limit))
	for n := uint64(2); n <= limit; n++ {
		if !composite.Test(uint(n)) {
			s.primes = append(s.primes, uint32(n))
		}
	}
	return s, nil
}

// estimateCount: π(x) ≈ x/ln x 的宽松上估，用于预分配。
func estimateCount(limit uint64) int {
	if limit < 17 {
		return 8
	}
	x := float64(limit)
	return int(1.26*x/math.Log(x)) + 1
}

// Limit 返回构造时的筛上限。
func (s *Sieve) Limit() uint64 { return s.limit }

// Len 返回素数个数。
func (s *Sieve) Len() int { return len(s.primes) }

// At 返回第 i 个素数（升序）。
func (s *Sieve) At(i int) uint64 { return uint64(s.primes[i]) }

// Primes 返回素数表的只读视图；调用方不得修改。
func (s *Sieve) Primes() []uint32 { return s.primes }
