// Rotating log files for long-running host sessions
//
// A run log is appended to until it would exceed MaxSize, then renamed to
// <name>.<timestamp><ext> (optionally gzipped) and a fresh file is opened.
// Only the newest MaxBackups rotated files are kept.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const rotationStamp = "20060102-150405"

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the log file.
	Filename string

	// MaxSize is the size in megabytes that triggers rotation (default 10).
	MaxSize int

	// MaxBackups is the number of rotated files to retain (default 5).
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// RotatingFileWriter is an io.WriteCloser that rotates its file by size.
type RotatingFileWriter struct {
	mu         sync.Mutex
	cfg        RotationConfig
	maxBytes   int64
	size       int64
	file       *os.File
	now        func() time.Time
	background sync.WaitGroup
}

// NewRotatingFileWriter opens (or creates) the log file in append mode.
func NewRotatingFileWriter(cfg RotationConfig) (*RotatingFileWriter, error) {
	if cfg.Filename == "" {
		return nil, errors.New("log: filename is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}

	w := &RotatingFileWriter{
		cfg:      cfg,
		maxBytes: int64(cfg.MaxSize) << 20,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.cfg.Filename), 0o755); err != nil {
		return fmt.Errorf("log: create directory: %w", err)
	}
	f, err := os.OpenFile(w.cfg.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("log: open %s: %w", w.cfg.Filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: stat %s: %w", w.cfg.Filename, err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first if p would overflow the current file.
// A write larger than MaxSize still goes to a fresh file whole.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("log: close for rotation: %w", err)
	}
	w.file = nil

	rotated := w.backupName(w.now())
	if err := os.Rename(w.cfg.Filename, rotated); err != nil {
		if openErr := w.open(); openErr != nil {
			return errors.Join(err, openErr)
		}
		return fmt.Errorf("log: rotate: %w", err)
	}

	w.background.Add(1)
	go func() {
		defer w.background.Done()
		if w.cfg.Compress {
			_ = gzipFile(rotated)
		}
		w.prune()
	}()

	return w.open()
}

func (w *RotatingFileWriter) backupName(t time.Time) string {
	ext := filepath.Ext(w.cfg.Filename)
	base := strings.TrimSuffix(w.cfg.Filename, ext)
	name := fmt.Sprintf("%s.%s%s", base, t.Format(rotationStamp), ext)
	// Two rotations within the same second must not clobber each other.
	for i := 1; fileExists(name) || fileExists(name+".gz"); i++ {
		name = fmt.Sprintf("%s.%s-%d%s", base, t.Format(rotationStamp), i, ext)
	}
	return name
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	_, copyErr := io.Copy(gz, src)
	closeErr := errors.Join(gz.Close(), dst.Close())
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}

// Backups lists rotated files for this log, oldest first.
func (w *RotatingFileWriter) Backups() []string {
	dir := filepath.Dir(w.cfg.Filename)
	base := filepath.Base(w.cfg.Filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if isRotatedFile(e.Name(), prefix, ext) {
			names = append(names, e.Name())
		}
	}
	// The timestamp format sorts lexically.
	sort.Strings(names)
	for i, n := range names {
		names[i] = filepath.Join(dir, n)
	}
	return names
}

func (w *RotatingFileWriter) prune() {
	backups := w.Backups()
	for len(backups) > w.cfg.MaxBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
}

// isRotatedFile matches prefix.YYYYMMDD-HHMMSS[-N]ext[.gz].
func isRotatedFile(name, prefix, ext string) bool {
	if !strings.HasPrefix(name, prefix+".") {
		return false
	}
	rest := strings.TrimPrefix(name, prefix+".")
	rest = strings.TrimSuffix(rest, ".gz")
	if ext != "" {
		if !strings.HasSuffix(rest, ext) {
			return false
		}
		rest = strings.TrimSuffix(rest, ext)
	}
	if len(rest) < len(rotationStamp) {
		return false
	}
	if _, err := time.Parse(rotationStamp, rest[:len(rotationStamp)]); err != nil {
		return false
	}
	suffix := rest[len(rotationStamp):]
	if suffix == "" {
		return true
	}
	if suffix[0] != '-' || len(suffix) == 1 {
		return false
	}
	for _, c := range suffix[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Close waits for pending compression and closes the file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	f := w.file
	w.file = nil
	w.mu.Unlock()

	w.background.Wait()
	if f == nil {
		return nil
	}
	return f.Close()
}

// Sync flushes the current file to disk.
func (w *RotatingFileWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// CurrentSize returns the size of the active file.
func (w *RotatingFileWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Filename returns the active log path.
func (w *RotatingFileWriter) Filename() string {
	return w.cfg.Filename
}

// NewFileLogger creates an uncolored logger writing to a rotating file.
// With console set, lines are also copied to stderr.
func NewFileLogger(prefix string, cfg RotationConfig, console bool) (*Logger, *RotatingFileWriter, error) {
	fw, err := NewRotatingFileWriter(cfg)
	if err != nil {
		return nil, nil, err
	}

	logger := New(prefix)
	logger.SetColorize(false)
	if console {
		logger.SetWriter(io.MultiWriter(os.Stderr, fw))
	} else {
		logger.SetWriter(fw)
	}
	return logger, fw, nil
}
