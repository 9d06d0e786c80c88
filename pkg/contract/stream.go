package contract

import "github.com/willf/bitset"

// Stream: 单个 Chunk 的记录流。
// 按偏移顺序追加，每个候选值占 1 bit（置位表示素数），
// 因此乱序完成、等待提交的 Chunk 缓冲成本很低。
type Stream struct {
	Chunk  Chunk
	bits   *bitset.BitSet
	filled uint64
}

// NewStream 为 Chunk 创建空记录流。
func NewStream(c Chunk) *Stream {
	return &Stream{Chunk: c, bits: bitset.New(uint(c.Interval.Len()))}
}

// Append 追加下一个候选值（Chunk.Interval.Start+Len()）的分类结果。
func (s *Stream) Append(isPrime bool) {
	if isPrime {
		s.bits.Set(uint(s.filled))
	}
	s.filled++
}

// Len 返回已追加记录数。
func (s *Stream) Len() uint64 { return s.filled }

// Next 返回下一个待追加的候选值。
func (s *Stream) Next() uint64 { return s.Chunk.Interval.Start + s.filled }

// Complete 判断是否覆盖整个 Chunk。
func (s *Stream) Complete() bool { return s.filled == s.Chunk.Interval.Len() }

// Primes 返回流内素数个数。
func (s *Stream) Primes() uint64 { return uint64(s.bits.Count()) }

// Each 以升序遍历记录；fn 返回错误即停止。
func (s *Stream) Each(fn func(Record) error) error {
	base := s.Chunk.Interval.Start
	for i := uint64(0); i < s.filled; i++ {
		if err := fn(Record{Value: base + i, IsPrime: s.bits.Test(uint(i))}); err != nil {
			return err
		}
	}
	return nil
}
