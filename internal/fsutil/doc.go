// Package fsutil 提供跨平台的原子替换与目录落盘，供各文件型 Sink 发布数据集。
package fsutil
