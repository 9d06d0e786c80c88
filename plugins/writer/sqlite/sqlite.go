// Package sqlite 将数据集写入单个 SQLite 数据库文件。
//
// 表结构：
//
//	primes(seq INTEGER PRIMARY KEY, value TEXT NOT NULL)
//	non_primes(seq INTEGER PRIMARY KEY, value TEXT NOT NULL)
//	manifest(key TEXT PRIMARY KEY, value TEXT NOT NULL)
//
// value 以十进制文本保存（SQLite INTEGER 为有符号 64 位，放不下全部 uint64）。
// 写入发生在同目录临时库的单个事务中，Seal 时提交并 rename 到目标路径。
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"primescan/internal/fsutil"
	"primescan/pkg/contract"
)

// DefaultFileName: 默认数据库文件名。
const DefaultFileName = "dataset.db"

// Options 定义可选项。
type Options struct {
	// OutputDir: 输出目录（必需）。
	OutputDir string `json:"output_dir"`
	// FileName: 数据库文件名，默认 dataset.db。
	FileName string `json:"file_name,omitempty"`
	// PermDir: 目录权限；0 使用默认 0755。
	PermDir os.FileMode `json:"perm_dir,omitempty"`
}

const schema = `
CREATE TABLE primes (seq INTEGER PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE non_primes (seq INTEGER PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE manifest (key TEXT PRIMARY KEY, value TEXT NOT NULL);
`

// Sink: SQLite 实现。
type Sink struct {
	dir   string
	dest  string
	permD os.FileMode

	mu     sync.Mutex
	tmp    string
	db     *sql.DB
	tx     *sql.Tx
	stmts  map[contract.Collection]*sql.Stmt
	seq    map[contract.Collection]int64
	last   map[contract.Collection]uint64
	opened bool
	done   bool
}

// New 构造 SQLite Sink。
func New(opts *Options) (*Sink, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, contract.ConfigErrorf("sqlite sink: output_dir is required")
	}
	name := opts.FileName
	if name == "" {
		name = DefaultFileName
	}
	if filepath.Base(name) != name || name == "." || name == ".." {
		return nil, errors.Mark(errors.Wrapf(contract.ErrPathInvalid, "sqlite sink: file_name %q", name), contract.ErrConfig)
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	return &Sink{dir: opts.OutputDir, dest: filepath.Join(opts.OutputDir, name), permD: pd}, nil
}

var _ contract.Sink = (*Sink)(nil)

// Path 返回封存后的数据库路径。
func (s *Sink) Path() string { return s.dest }

// Open 创建临时库、建表并开启事务。
func (s *Sink) Open(ctx context.Context, iv contract.Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return errors.Wrap(contract.ErrSealed, "sqlite sink already opened")
	}
	s.opened = true
	if err := os.MkdirAll(s.dir, s.permD); err != nil {
		return contract.IOError(err, "create output dir %s", s.dir)
	}
	f, err := os.CreateTemp(s.dir, ".tmp-dataset-*.db")
	if err != nil {
		return contract.IOError(err, "create temp database")
	}
	s.tmp = f.Name()
	_ = f.Close()

	if err := s.init(ctx); err != nil {
		s.discard()
		return contract.IOError(err, "init database %s", s.tmp)
	}
	return nil
}

func (s *Sink) init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.tmp)
	if err != nil {
		return err
	}
	s.db = db
	// 单连接：PRAGMA 按连接生效
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA journal_mode=OFF", "PRAGMA synchronous=OFF"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return errors.Wrap(err, p)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create schema")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	s.tx = tx
	s.stmts = make(map[contract.Collection]*sql.Stmt, 2)
	s.seq = make(map[contract.Collection]int64, 2)
	s.last = make(map[contract.Collection]uint64, 2)
	for _, c := range []contract.Collection{contract.Primes, contract.NonPrimes} {
		// 表名来自固定枚举
		st, err := tx.PrepareContext(ctx, `INSERT INTO `+string(c)+` (seq, value) VALUES (?, ?)`)
		if err != nil {
			return errors.Wrapf(err, "prepare %s", c)
		}
		s.stmts[c] = st
	}
	return nil
}

// Append 实现 contract.Sink。
func (s *Sink) Append(c contract.Collection, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.done {
		return errors.Wrapf(contract.ErrSealed, "sqlite sink not writable (append %d)", v)
	}
	st, ok := s.stmts[c]
	if !ok {
		return errors.Newf("sqlite sink: unknown collection %q", c)
	}
	seq := s.seq[c]
	if seq > 0 && v <= s.last[c] {
		return errors.Wrapf(contract.ErrInvariantViolation, "%s: %d after %d", c, v, s.last[c])
	}
	if _, err := st.Exec(seq, strconv.FormatUint(v, 10)); err != nil {
		return errors.Wrapf(err, "insert %s %d", c, v)
	}
	s.seq[c], s.last[c] = seq+1, v
	return nil
}

// Seal 写入清单、提交事务并将临时库替换到目标路径。
func (s *Sink) Seal(ctx context.Context, sum contract.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.done {
		return errors.Wrap(contract.ErrSealed, "sqlite sink not sealable")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, kv := range manifestRows(sum) {
		if _, err := s.tx.ExecContext(ctx, `INSERT INTO manifest (key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return contract.IOError(err, "write manifest %s", kv[0])
		}
	}
	for _, st := range s.stmts {
		_ = st.Close()
	}
	if err := s.tx.Commit(); err != nil {
		return contract.IOError(err, "commit")
	}
	s.tx = nil
	if err := s.db.Close(); err != nil {
		return contract.IOError(err, "close database")
	}
	s.db = nil
	if err := fsutil.Replace(s.tmp, s.dest); err != nil {
		return contract.IOError(err, "publish %s", s.dest)
	}
	_ = fsutil.SyncDir(filepath.Dir(s.dest))
	s.done = true
	return nil
}

func manifestRows(sum contract.Summary) [][2]string {
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	return [][2]string{
		{"start", u(sum.Interval.Start)},
		{"end", u(sum.Interval.End)},
		{"workers", strconv.Itoa(sum.Workers)},
		{"chunks", strconv.Itoa(sum.Chunks)},
		{"primes", u(sum.Counts.Primes)},
		{"non_primes", u(sum.Counts.NonPrimes)},
		{"primes_digest", u(sum.Counts.PrimesDigest)},
		{"non_primes_digest", u(sum.Counts.NonPrimesDigest)},
		{"elapsed_ms", strconv.FormatInt(sum.ElapsedMS, 10)},
		{"sealed_at", time.Now().UTC().Format(time.RFC3339Nano)},
	}
}

// Abort 回滚并删除临时库；已封存时无操作。
func (s *Sink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	return s.discard()
}

func (s *Sink) discard() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	if s.tmp == "" {
		return nil
	}
	if err := os.Remove(s.tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
