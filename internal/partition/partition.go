// Package partition 将扫描区间切分为连续、互不重叠、无缺口的 Chunk。
package partition

import (
	"primescan/pkg/contract"
)

// Split 将 iv 切分为 workers 个 Chunk（按 Index 升序，与数值顺序一致）。
//
// span = End-Start；base = span/workers，remainder = span%workers；
// 前 remainder 个 Chunk 各 base+1 个元素，其余各 base 个，任意两块大小差 ≤ 1。
// workers 大于 span 时收敛为 span 个 Chunk，保证每块非空。
// 相同输入总是得到相同边界。
func Split(iv contract.Interval, workers uint32) ([]contract.Chunk, error) {
	if workers == 0 {
		return nil, contract.ConfigErrorf("workers must be >= 1, got 0")
	}
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	span := iv.Len()
	n := uint64(Effective(iv, workers))
	base := span / n
	remainder := span % n

	chunks := make([]contract.Chunk, 0, n)
	cursor := iv.Start
	for i := uint64(0); i < n; i++ {
		size := base
		if i < remainder {
			size++
		}
		chunks = append(chunks, contract.Chunk{
			Index:    uint32(i),
			Interval: contract.Interval{Start: cursor, End: cursor + size},
		})
		cursor += size
	}
	return chunks, nil
}

// Effective 返回 Split 实际产生的 Chunk 数：workers 与区间长度取小。
func Effective(iv contract.Interval, workers uint32) uint32 {
	span := iv.Len()
	if uint64(workers) > span {
		return uint32(span)
	}
	return workers
}
