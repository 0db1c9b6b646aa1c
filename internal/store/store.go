// Package store persists per (campaign, source) record sets together with their
// date watermark. A commit always replaces the whole set.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AngelCh415/campaign-etl/internal/models"
)

// Key identifies one record set. Each key has a single writer per run.
type Key struct {
	Campaign string
	Source   string
}

func (k Key) String() string { return k.Campaign + "/" + k.Source }

// Validate rejects keys that would escape a directory or collide in a flat keyspace.
func (k Key) Validate() error {
	for _, part := range []string{k.Campaign, k.Source} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, "/\\:") {
			return fmt.Errorf("invalid store key %q", k.String())
		}
	}
	return nil
}

// Snapshot is the committed state of one key.
type Snapshot[T models.Dated] struct {
	Records   []T       `json:"records"`
	Watermark time.Time `json:"watermark"`
}

// RecordStore loads and commits record sets. Load returns nil, nil when
// nothing was ever committed for the key.
type RecordStore[T models.Dated] interface {
	Load(ctx context.Context, key Key) (*Snapshot[T], error)
	Commit(ctx context.Context, key Key, records []T) error
}

// newSnapshot sorts a copy of records by date and computes the watermark.
func newSnapshot[T models.Dated](records []T) Snapshot[T] {
	rows := append([]T(nil), records...)
	models.SortByDate(rows)
	wm, _ := models.MaxDate(rows)
	return Snapshot[T]{Records: rows, Watermark: wm}
}
