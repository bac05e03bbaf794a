// Package output persists extracted replies as numbered markdown files.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var seqPattern = regexp.MustCompile(`^output_(\d{3})_`)

// Writer writes one markdown file per extracted reply. Sequence numbers
// continue from whatever already exists in the directory, so interleaved
// runs never clobber each other's files.
type Writer struct {
	dir string
	log *zap.Logger

	mu  sync.Mutex
	seq int
}

// NewWriter creates the output directory and resumes the sequence counter
// from the files already in it.
func NewWriter(dir string, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	w := &Writer{dir: dir, log: log}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan output dir: %w", err)
	}
	for _, e := range entries {
		m := seqPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > w.seq {
			w.seq = n
		}
	}
	return w, nil
}

// Write persists text and returns the file path.
func (w *Writer) Write(text string) (string, error) {
	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	name := fmt.Sprintf("output_%03d_%s.md", seq, time.Now().Format("20060102_150405"))
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}
	w.log.Info("response saved", zap.String("path", path), zap.Int("chars", len(text)))
	return path, nil
}
