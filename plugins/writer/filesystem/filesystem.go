// Package filesystem 将数据集写为输出目录下的文本文件：
// 每个集合一个文件，Seal 时写入 manifest.json。
package filesystem

import (
	"bufio"
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"primescan/internal/fsutil"
	"primescan/pkg/contract"
)

// 输出格式。
const (
	// FormatLines: 每行一个十进制整数。
	FormatLines = "lines"
	// FormatCSV: 带表头的 CSV；素数文件附带平方/立方/四次方列。
	FormatCSV = "csv"
)

// ManifestName: 清单文件名；清单存在即数据集完整。
const ManifestName = "manifest.json"

// Options: 最小必要选项。
type Options struct {
	// OutputDir: 输出根目录（必需）。
	OutputDir string `json:"output_dir"`
	// Atomic: 是否使用原子替换（同目录临时文件 + rename）。
	// 默认值：true。未提供该字段时采用原子写；显式 false 可关闭。
	Atomic *bool `json:"atomic,omitempty"`
	// Format: lines（默认）或 csv。
	Format string `json:"format,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用实现/平台默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用实现默认。
	BufSize int `json:"buf_size,omitempty"`
}

// Manifest: manifest.json 的内容。
type Manifest struct {
	contract.Summary
	Format   string            `json:"format"`
	Files    map[string]string `json:"files"`
	SealedAt time.Time         `json:"sealed_at"`
}

type FS struct {
	root    string
	atomic  bool
	format  string
	permF   os.FileMode
	permD   os.FileMode
	bufSize int

	mu    sync.Mutex
	files map[contract.Collection]*target
	state state
}

type state int

const (
	stateNew state = iota
	stateOpen
	stateSealed
	stateAborted
)

// target: 单个集合的输出文件。
type target struct {
	dest string
	path string // 实际写入路径：原子模式下为临时文件
	f    *os.File
	bw   *bufio.Writer
	last uint64
	any  bool
	row  func(bw *bufio.Writer, v uint64) error
}

// New 创建文件系统 Sink 实现。
func New(opts *Options) (*FS, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, contract.ConfigErrorf("fs sink: output_dir is required")
	}
	format := opts.Format
	if format == "" {
		format = FormatLines
	}
	if format != FormatLines && format != FormatCSV {
		return nil, contract.ConfigErrorf("fs sink: unknown format %q (want lines|csv)", format)
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 64 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &FS{root: opts.OutputDir, atomic: atomic, format: format, permF: pf, permD: pd, bufSize: bsz}, nil
}

var _ contract.Sink = (*FS)(nil)

// FileName 返回集合在给定格式下的文件名。
func FileName(c contract.Collection, format string) string {
	if format == FormatCSV {
		return string(c) + ".csv"
	}
	return string(c) + ".txt"
}

// Open 创建两个集合的（临时）输出文件。
func (w *FS) Open(ctx context.Context, iv contract.Interval) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateNew {
		return errors.Wrap(contract.ErrSealed, "fs sink already opened")
	}
	if err := os.MkdirAll(w.root, w.permD); err != nil {
		return contract.IOError(err, "create output dir %s", w.root)
	}
	// 旧清单先于任何数据文件失效：本次运行未封存前目录中不存在“完整”数据集
	if err := w.retractManifest(); err != nil {
		return contract.IOError(err, "retract previous manifest in %s", w.root)
	}
	w.files = make(map[contract.Collection]*target, 2)
	for _, c := range []contract.Collection{contract.Primes, contract.NonPrimes} {
		t, err := w.create(c)
		if err != nil {
			w.discard()
			return contract.IOError(err, "open %s", c)
		}
		w.files[c] = t
	}
	w.state = stateOpen
	return nil
}

// retractManifest 删除上一次运行留下的清单并同步目录。
func (w *FS) retractManifest() error {
	err := os.Remove(filepath.Join(w.root, ManifestName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return fsutil.SyncDir(w.root)
}

func (w *FS) create(c contract.Collection) (*target, error) {
	dest := filepath.Join(w.root, FileName(c, w.format))
	var (
		f   *os.File
		err error
	)
	if w.atomic {
		f, err = os.CreateTemp(w.root, ".tmp-"+string(c)+"-*")
		if err == nil {
			// 目标权限：尽量与期望一致
			_ = os.Chmod(f.Name(), w.permF)
		}
	} else {
		f, err = os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	}
	if err != nil {
		return nil, err
	}
	t := &target{dest: dest, path: f.Name(), f: f, bw: bufio.NewWriterSize(f, w.bufSize), row: writeLine}
	if w.format == FormatCSV {
		header := "value\n"
		if c == contract.Primes {
			header = "prime,squared,cubed,to_fourth_power\n"
			t.row = newPowerRow()
		}
		if _, err := t.bw.WriteString(header); err != nil {
			_ = f.Close()
			_ = os.Remove(t.path)
			return nil, err
		}
	}
	return t, nil
}

// Append 追加一个值；同一集合内必须严格升序。
func (w *FS) Append(c contract.Collection, v uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateOpen {
		return errors.Wrapf(contract.ErrSealed, "fs sink not writable (append %d)", v)
	}
	t, ok := w.files[c]
	if !ok {
		return errors.Newf("fs sink: unknown collection %q", c)
	}
	if t.any && v <= t.last {
		return errors.Wrapf(contract.ErrInvariantViolation, "%s: %d after %d", c, v, t.last)
	}
	if err := t.row(t.bw, v); err != nil {
		return err
	}
	t.last, t.any = v, true
	return nil
}

func writeLine(bw *bufio.Writer, v uint64) error {
	var buf [24]byte
	b := strconv.AppendUint(buf[:0], v, 10)
	b = append(b, '\n')
	_, err := bw.Write(b)
	return err
}

// newPowerRow 返回带幂次列的行写入器；幂次可能超出 64 位，使用 big.Int。
func newPowerRow() func(bw *bufio.Writer, v uint64) error {
	var x, p big.Int
	buf := make([]byte, 0, 128)
	return func(bw *bufio.Writer, v uint64) error {
		x.SetUint64(v)
		b := x.Append(buf[:0], 10)
		p.Set(&x)
		for i := 0; i < 3; i++ {
			p.Mul(&p, &x)
			b = append(b, ',')
			b = p.Append(b, 10)
		}
		b = append(b, '\n')
		buf = b
		_, err := bw.Write(b)
		return err
	}
}

// Seal 刷新两个集合并落盘，最后写入清单。
func (w *FS) Seal(ctx context.Context, s contract.Summary) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateOpen {
		return errors.Wrap(contract.ErrSealed, "fs sink not sealable")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	for c, t := range w.files {
		c, t := c, t
		g.Go(func() error {
			if err := w.finish(t); err != nil {
				return contract.IOError(err, "finalize %s", c)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m := Manifest{
		Summary:  s,
		Format:   w.format,
		Files:    map[string]string{},
		SealedAt: time.Now().UTC(),
	}
	for c, t := range w.files {
		m.Files[string(c)] = filepath.Base(t.dest)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	if err := w.writeFile(filepath.Join(w.root, ManifestName), append(data, '\n')); err != nil {
		return contract.IOError(err, "write manifest")
	}
	// 最佳努力：同步父目录，提升崩溃安全性
	_ = fsutil.SyncDir(w.root)
	w.state = stateSealed
	return nil
}

// finish: Flush + fsync + Close，原子模式下替换到目标路径。
func (w *FS) finish(t *target) error {
	if err := t.bw.Flush(); err != nil {
		return err
	}
	if err := t.f.Sync(); err != nil {
		return err
	}
	if err := t.f.Close(); err != nil {
		return err
	}
	t.f = nil
	if !w.atomic {
		return nil
	}
	// 平台特定的原子替换（或最佳努力）
	if err := fsutil.Replace(t.path, t.dest); err != nil {
		return err
	}
	t.path = t.dest
	return nil
}

func (w *FS) writeFile(dest string, data []byte) error {
	if !w.atomic {
		return os.WriteFile(dest, data, w.permF)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, w.permF)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := fsutil.Replace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Abort 关闭并删除未封存的输出；已封存时无操作。
func (w *FS) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == stateSealed || w.state == stateAborted {
		return nil
	}
	w.state = stateAborted
	return w.discard()
}

// discard 删除全部未封存文件（非原子模式下即目标文件本身）。
func (w *FS) discard() error {
	var errs error
	for _, t := range w.files {
		if t.f != nil {
			_ = t.f.Close()
			t.f = nil
		}
		if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
