// Package artifact writes one-shot diagnostic tables (unmatched keys,
// duplicated analytics rows). Artifacts are never read back by the pipeline.
package artifact

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/AngelCh415/campaign-etl/internal/store"
)

type Writer interface {
	Write(ctx context.Context, name string, header []string, rows [][]string) error
}

// FileWriter writes CSV files under dir. name may contain one level of
// sub-directory, e.g. "spring/facebook_unmatched_content.csv".
type FileWriter struct {
	dir string
}

func NewFileWriter(dir string) *FileWriter { return &FileWriter{dir: dir} }

func (w *FileWriter) Write(_ context.Context, name string, header []string, rows [][]string) error {
	clean := filepath.Clean(name)
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	b, err := Encode(header, rows)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return store.WriteFileAtomic(filepath.Join(w.dir, clean), b)
}

func Encode(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(header); err != nil {
		return nil, err
	}
	if err := cw.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type Table struct {
	Header []string
	Rows   [][]string
}

// MemoryWriter keeps artifacts in memory.
type MemoryWriter struct {
	mu     sync.Mutex
	tables map[string]Table
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{tables: make(map[string]Table)}
}

func (w *MemoryWriter) Write(_ context.Context, name string, header []string, rows [][]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables[name] = Table{Header: append([]string(nil), header...), Rows: append([][]string(nil), rows...)}
	return nil
}

func (w *MemoryWriter) Get(name string) (Table, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[name]
	return t, ok
}

func (w *MemoryWriter) Names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.tables))
	for n := range w.tables {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Name builds the artifact path for a campaign.
func Name(campaign, file string) string {
	return strings.ToLower(campaign) + "/" + file + ".csv"
}
