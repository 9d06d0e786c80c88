package contract

import "context"

// Sink: 数据集写出目标（文件系统/数据库等）。
// 约束：
//  1. 单写者：仅 OrderedAggregator 调用 Append，且调用已串行化；
//  2. Append 按全局升序到达，实现不得重排；
//  3. Seal 之前的内容不可视为有效数据集；Seal 后不再接受写入；
//  4. Abort 丢弃未封存内容（尽力而为），可重复调用；
//  5. 错误直接上抛（不做重试/回退）。
type Sink interface {
	// Open 创建空数据集。
	Open(ctx context.Context, iv Interval) error
	// Append 将一个值追加到指定集合。
	Append(c Collection, value uint64) error
	// Seal 刷新落盘并写入清单，数据集就此封存。
	Seal(ctx context.Context, s Summary) error
	// Abort 丢弃部分输出。
	Abort() error
}
