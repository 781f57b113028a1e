package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	appconfig "goldflow/config"
	"goldflow/logger"
	"goldflow/models"
)

// streamFile is one append-only JSONL destination with its own lock and
// monotonicity watermark.
type streamFile struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	lastTime int64
	lines    int64
}

// StreamWriter appends normalized records to per-stream JSONL files. Files
// are opened eagerly at construction so a bad output directory fails fast
// instead of one tick at a time.
type StreamWriter struct {
	cfg     *appconfig.Config
	log     *logger.Log
	streams map[models.StreamKind]*streamFile
}

// NewStreamWriter creates the output directory and opens one append-only
// file per stream.
func NewStreamWriter(cfg *appconfig.Config) (*StreamWriter, error) {
	log := logger.GetLogger()

	if err := os.MkdirAll(cfg.Writer.OutputDir, 0o755); err != nil {
		return nil, models.WrapFailure(models.FailureIO, "", "create output directory", err)
	}

	w := &StreamWriter{
		cfg:     cfg,
		log:     log,
		streams: make(map[models.StreamKind]*streamFile, len(models.AllStreams)),
	}

	for _, kind := range models.AllStreams {
		path := w.pathFor(kind)
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				w.closeAll()
				return nil, models.WrapFailure(models.FailureIO, kind, "create stream directory", err)
			}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.closeAll()
			return nil, models.WrapFailure(models.FailureIO, kind, "open stream file", err)
		}
		w.streams[kind] = &streamFile{file: f, path: path}
	}

	log.WithComponent("stream_writer").WithFields(logger.Fields{
		"output_dir": cfg.Writer.OutputDir,
		"streams":    len(w.streams),
	}).Info("stream writer initialized")

	return w, nil
}

// pathFor resolves a stream's destination: an explicit per-stream override
// from configuration, or <output_dir>/<stream>.jsonl.
func (w *StreamWriter) pathFor(kind models.StreamKind) string {
	if override, ok := w.cfg.Writer.Streams[string(kind)]; ok && override != "" {
		if filepath.IsAbs(override) {
			return override
		}
		return filepath.Join(w.cfg.Writer.OutputDir, override)
	}
	return filepath.Join(w.cfg.Writer.OutputDir, string(kind)+".jsonl")
}

// Append marshals rec and writes it as one line to its stream's file. The
// marshaled line and trailing newline go down in a single Write call so
// concurrent appends to the same file cannot interleave. Records whose
// timestamp moves backwards are rejected; equal timestamps are allowed
// because 5-minute upstream samples legitimately repeat across ticks.
func (w *StreamWriter) Append(rec models.Record) error {
	kind := rec.Stream()
	sf, ok := w.streams[kind]
	if !ok {
		return models.NewFailure(models.FailureIO, kind, "no destination for stream")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return models.WrapFailure(models.FailureIO, kind, "marshal record", err)
	}
	line := append(data, '\n')

	sf.mu.Lock()
	defer sf.mu.Unlock()

	if ts := rec.RecordTime(); ts < sf.lastTime {
		return models.NewFailure(models.FailureIO, kind,
			fmt.Sprintf("timestamp %d regressed behind %d", ts, sf.lastTime))
	}

	if _, err := sf.file.Write(line); err != nil {
		return models.WrapFailure(models.FailureIO, kind, "append to "+sf.path, err)
	}
	sf.lastTime = rec.RecordTime()
	sf.lines++
	return nil
}

// LineCount reports how many lines this writer has appended to a stream
// since it was opened.
func (w *StreamWriter) LineCount(kind models.StreamKind) int64 {
	sf, ok := w.streams[kind]
	if !ok {
		return 0
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.lines
}

// Close flushes and closes every stream file.
func (w *StreamWriter) Close() error {
	var firstErr error
	for kind, sf := range w.streams {
		sf.mu.Lock()
		if err := sf.file.Close(); err != nil && firstErr == nil {
			firstErr = models.WrapFailure(models.FailureIO, kind, "close "+sf.path, err)
		}
		sf.mu.Unlock()
	}
	w.log.WithComponent("stream_writer").Info("stream writer closed")
	return firstErr
}

func (w *StreamWriter) closeAll() {
	for _, sf := range w.streams {
		if sf.file != nil {
			sf.file.Close()
		}
	}
}
