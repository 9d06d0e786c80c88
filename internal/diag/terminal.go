package diag

import (
	"fmt"
	"io"
	"math"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"primescan/pkg/contract"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认建议 stderr）。
// - TTY: 单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	// 运行期最小状态
	workers  int
	sink     string
	total    uint64
	chunks   int
	runStart time.Time

	// 输出控制
	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供 pipeline 旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		t.isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return t
}

// RunStart: 记录运行上下文（并发、区间、Sink）。
func (t *Terminal) RunStart(workers int, iv contract.Interval, chunks int, sink string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.workers, t.sink, t.chunks = workers, sink, chunks
	t.total = iv.Len()
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 区间=[%s, %s) | 候选 %s | 并发=%d | 分块=%d | sink=%s",
		comma(iv.Start), comma(iv.End), comma(t.total), workers, chunks, safe(sink)))
}

// Progress: 周期性进度（≥100ms 节流，仅 TTY）。
func (t *Terminal) Progress(scanned uint64, committed int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	line := fmt.Sprintf("[scan] %s/%s (%s) | 已提交 %d/%d | %s | 用时 %s",
		comma(scanned), comma(t.total), percent(scanned, t.total), committed, t.chunks,
		rate(scanned, time.Since(t.runStart)), formatSince(t.runStart))
	t.printInline(line)
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(s contract.Summary, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	t.println(fmt.Sprintf("[ok] 素数 %s | 非素数 %s | 分块 %d | 总用时 %s",
		comma(s.Counts.Primes), comma(s.Counts.NonPrimes), s.Chunks, formatDur(dur)))
}

// RunFail: 失败报告（类别 + 上下文）。
func (t *Terminal) RunFail(kind string, err error, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.println(fmt.Sprintf("[fail] %s error | %s | 总用时 %s", kind, safe(msg), formatDur(dur)))
}

// 内部输出工具
func (t *Terminal) clearInline() {
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
		if t.enabled {
			_, _ = io.WriteString(t.w, "\r")
		}
	}
}

func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		// 写失败即禁用
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 清尾：若新行比旧短，填充空格覆盖
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	// 避免换行等控制字符污染终端
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

// comma 千分位；超出 int64 的值走 big.Int。
func comma(v uint64) string {
	if v <= math.MaxInt64 {
		return humanize.Comma(int64(v))
	}
	return humanize.BigComma(new(big.Int).SetUint64(v))
}

func percent(done, total uint64) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(done)*100/float64(total))
}

func rate(n uint64, d time.Duration) string {
	if d <= 0 {
		return "- /s"
	}
	return humanize.SIWithDigits(float64(n)/d.Seconds(), 1, "/s")
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	// 秒，保留 1 位小数
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
