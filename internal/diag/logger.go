package diag

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// DefaultLogDir: 未配置 logging.dir 时的日志目录。
const DefaultLogDir = "logs"

// Logger: 结构化日志器，单行 JSON；底层为 zap，写入轮转文件。
type Logger struct {
	corrID string
	level  Level
	z      *zap.Logger
	sink   *RotatingFile
}

// NewLogger 以默认目录 logs 初始化，10m 轮转。
func NewLogger(corrID, level string) *Logger {
	return NewLoggerWithDir(corrID, level, DefaultLogDir)
}

// NewLoggerWithDir 将日志写入 dir 下的轮转文件；dir 为空时使用默认目录。
func NewLoggerWithDir(corrID, level, dir string) *Logger {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultLogDir
	}
	sink := NewRotatingFile(dir, 10*1024*1024)
	l := newLogger(corrID, level, zapcore.AddSync(sink))
	l.sink = sink
	return l
}

// NewLoggerTo 将日志写入任意 io.Writer（测试/stderr）。
func NewLoggerTo(corrID, level string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return newLogger(corrID, level, zapcore.AddSync(w))
}

func newLogger(corrID, level string, ws zapcore.WriteSyncer) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		LevelKey:       "level",
		TimeKey:        "ts",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     utcTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	// 写失败回退 stderr
	core := zapcore.NewCore(enc, ws, lvl.zap())
	z := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))).With(zap.String("corr_id", corrID))
	return &Logger{corrID: corrID, level: lvl, z: z}
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(time.RFC3339))
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// CorrID 返回本次运行的关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Event 为标准事件结构（日志行的字段集合）。
type Event struct {
	Level   string            `json:"level"`
	TS      string            `json:"ts"`
	CorrID  string            `json:"corr_id"`
	Comp    string            `json:"comp"`
	Stage   string            `json:"stage"` // start|finish|error|warn
	Code    string            `json:"code,omitempty"`
	DurMS   int64             `json:"dur_ms,omitempty"`
	Count   int64             `json:"count,omitempty"`
	ChunkID string            `json:"chunk_id,omitempty"`
	Msg     string            `json:"msg"`
	KV      map[string]string `json:"kv,omitempty"`
}

// log 把事件转为 zap 字段写出；零值字段省略。
func (l *Logger) log(lv Level, ev Event) {
	if l == nil || l.z == nil || lv < l.level {
		return
	}
	fields := make([]zap.Field, 0, 7)
	fields = append(fields, zap.String("comp", ev.Comp), zap.String("stage", ev.Stage))
	if ev.Code != "" {
		fields = append(fields, zap.String("code", ev.Code))
	}
	if ev.DurMS != 0 {
		fields = append(fields, zap.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count != 0 {
		fields = append(fields, zap.Int64("count", ev.Count))
	}
	if ev.ChunkID != "" {
		fields = append(fields, zap.String("chunk_id", ev.ChunkID))
	}
	if len(ev.KV) > 0 {
		fields = append(fields, zap.Any("kv", ev.KV))
	}
	switch lv {
	case Debug:
		l.z.Debug(ev.Msg, fields...)
	case Warn:
		l.z.Warn(ev.Msg, fields...)
	case Error:
		// error 永不采样
		l.z.Error(ev.Msg, fields...)
	default:
		l.z.Info(ev.Msg, fields...)
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 chunk_id 的 start。
func (l *Logger) StartWith(comp, msg, chunkID string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", ChunkID: chunkID, Msg: msg})
	return &Timer{l: l, comp: comp, chunkID: chunkID, t0: time.Now()}
}

// StartWithKV 记录带 chunk_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, chunkID string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", ChunkID: chunkID, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, chunkID: chunkID, t0: time.Now()}
}

// Error 记录 error 事件（不采样）。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", nil)
}

// ErrorWith 支持 chunk_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, chunkID string) {
	l.ErrorWithKV(comp, code, msg, durSince, chunkID, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、失败的 Chunk 区间）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, chunkID string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, ChunkID: chunkID, KV: kv})
}

// Warn 记录 warn 事件。
func (l *Logger) Warn(comp, msg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, chunkID string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", ChunkID: chunkID, Msg: msg, KV: kv})
}

// Close 刷新并关闭底层文件。
func (l *Logger) Close() error {
	if l == nil || l.z == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l       *Logger
	comp    string
	chunkID string
	t0      time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, ChunkID: t.chunkID, Msg: msg})
}

// Since 返回计时起点，供 Error 的 durSince 使用。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}
