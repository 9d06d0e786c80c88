package contract

import "github.com/cockroachdb/errors"

// ValidateChunks 校验分块是否精确覆盖父区间（纯函数，无 I/O）：
//   - Index 自 0 连续递增；
//   - 每块非空；
//   - 首块起于 iv.Start，末块止于 iv.End，相邻块首尾相接（无缺口、无重叠）。
//
// 违例返回 ErrInvariantViolation。
func ValidateChunks(iv Interval, chunks []Chunk) error {
	if len(chunks) == 0 {
		return errors.Wrap(ErrInvariantViolation, "no chunks")
	}
	cursor := iv.Start
	for i, c := range chunks {
		if c.Index != uint32(i) {
			return errors.Wrapf(ErrInvariantViolation, "chunk %d has index %d", i, c.Index)
		}
		if c.Interval.Start >= c.Interval.End {
			return errors.Wrapf(ErrInvariantViolation, "chunk %d is empty", i)
		}
		if c.Interval.Start != cursor {
			return errors.Wrapf(ErrInvariantViolation, "chunk %d starts at %d, want %d", i, c.Interval.Start, cursor)
		}
		cursor = c.Interval.End
	}
	if cursor != iv.End {
		return errors.Wrapf(ErrInvariantViolation, "chunks end at %d, want %d", cursor, iv.End)
	}
	return nil
}
