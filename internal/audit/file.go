package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileHook appends records as JSON lines.
type FileHook struct {
	path string

	mu sync.Mutex
	w  io.Writer
}

// NewFileHook creates a hook appending to path.
func NewFileHook(path string) *FileHook {
	return &FileHook{path: path}
}

func (h *FileHook) Name() string {
	return "file"
}

func (h *FileHook) Init(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.w != nil {
		return nil
	}
	if h.path == "" {
		return fmt.Errorf("missing path for file hook")
	}
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	h.w = f
	return nil
}

func (h *FileHook) Record(_ context.Context, r *Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.w == nil {
		return fmt.Errorf("file hook not initialized")
	}
	if _, err := h.w.Write(line); err != nil {
		return fmt.Errorf("file append error: %w", err)
	}
	return nil
}

func (h *FileHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.w.(io.Closer); ok {
		h.w = nil
		return c.Close()
	}
	return nil
}
