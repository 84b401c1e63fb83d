package logging

import (
	"fmt"
	"os"
	"sync"
)

// RotatingWriter appends to a log file and shifts it to path.1 .. path.N once
// it grows past maxSize. With no backups the file is truncated instead.
type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
	backups int
}

func NewRotatingWriter(path string, maxSize int64, backups int) (*RotatingWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	w := &RotatingWriter{file: f, path: path, maxSize: maxSize, backups: max(backups, 0)}
	if info, err := f.Stat(); err == nil {
		w.size = info.Size()
	}
	if w.size > maxSize {
		if err := w.rotate(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

// Write appends p. A failed rotation is returned with the full count written;
// the writer keeps appending to the current file and retries on the next write.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, err
	}
	if w.size > w.maxSize {
		if err := w.rotate(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (w *RotatingWriter) rotate() error {
	if err := w.shift(); err != nil {
		return fmt.Errorf("rotate %s: %w", w.path, err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", w.path, err)
	}
	w.file.Close()
	w.file = f
	w.size = 0
	return nil
}

// shift drops the oldest backup and moves path.i to path.i+1, then path to path.1.
func (w *RotatingWriter) shift() error {
	if w.backups == 0 {
		return nil
	}
	for i := w.backups - 1; i >= 1; i-- {
		from, to := fmt.Sprintf("%s.%d", w.path, i), fmt.Sprintf("%s.%d", w.path, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Rename(w.path, w.path+".1")
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
