package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"trafficmesh/internal/master/coordinator"
)

// hourKey names one rotation segment; segments are append-only.
const hourKey = "2006-01-02-15"

// JSONLZstdWriter appends JSON lines to hourly-rotated zstd segments under a
// single directory. Every line is flushed through to the encoder so a crash
// loses at most the entry being written.
type JSONLZstdWriter struct {
	dir    string
	prefix string

	mu   sync.Mutex
	cur  string // hour key of the open segment
	file *os.File
	zenc *zstd.Encoder
	buf  *bufio.Writer
}

func NewJSONLZstdWriter(dir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{dir: dir, prefix: prefix}
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if hour := time.Now().UTC().Format(hourKey); hour != w.cur {
		if err := w.openSegment(hour); err != nil {
			return err
		}
	}
	if _, err := w.buf.Write(append(b, '\n')); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeSegment()
}

func (w *JSONLZstdWriter) openSegment(hour string) error {
	if err := w.closeSegment(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	enc, err := zstd.NewWriter(f,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("zstd encoder: %w", err)
	}
	w.file, w.zenc, w.buf, w.cur = f, enc, bufio.NewWriterSize(enc, 64*1024), hour
	return nil
}

func (w *JSONLZstdWriter) closeSegment() error {
	if w.file == nil {
		return nil
	}
	_ = w.buf.Flush()
	err := w.zenc.Close()
	_ = w.file.Close()
	w.file, w.zenc, w.buf, w.cur = nil, nil, nil, ""
	return err
}

// StepLogger writes one JSONL entry per settled step (compressed). This is an
// operational log, not a replayable simulation history.
type StepLogger struct{ w *JSONLZstdWriter }

func NewStepLogger(dataDir string) *StepLogger {
	return &StepLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "steps"), "steps")}
}

func (l *StepLogger) WriteStep(e coordinator.StepLogEntry) error { return l.w.Write(e) }
func (l *StepLogger) Close() error                               { return l.w.Close() }
