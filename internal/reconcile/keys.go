package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/platform"
)

const keySep = "|"

var (
	escaper   = strings.NewReplacer("%", "%25", keySep, "%7C")
	unescaper = strings.NewReplacer("%7C", keySep, "%25", "%")
)

// Key is the composite join key of one reconciled row. Search-ads keys carry
// no source.
type Key struct {
	Date      time.Time
	Source    string
	Dimension string
	ByAdID    bool
}

// String encodes the key as "date|source|dimension" or "date|adId".
// Components are escaped so the encoding is reversible.
func (k Key) String() string {
	parts := []string{models.FormatDay(k.Date)}
	if !k.ByAdID {
		parts = append(parts, escaper.Replace(k.Source))
	}
	parts = append(parts, escaper.Replace(k.Dimension))
	return strings.Join(parts, keySep)
}

// dimension is the key without its date: the identity of a creative across days.
func (k Key) dimension() string {
	if k.ByAdID {
		return escaper.Replace(k.Dimension)
	}
	return escaper.Replace(k.Source) + keySep + escaper.Replace(k.Dimension)
}

func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, keySep)
	var k Key
	switch len(parts) {
	case 2:
		k.ByAdID = true
		k.Dimension = unescaper.Replace(parts[1])
	case 3:
		k.Source = unescaper.Replace(parts[1])
		k.Dimension = unescaper.Replace(parts[2])
	default:
		return Key{}, fmt.Errorf("malformed join key %q", s)
	}
	d, err := models.ParseDay(parts[0])
	if err != nil {
		return Key{}, fmt.Errorf("malformed join key %q: %w", s, err)
	}
	k.Date = d
	return k, nil
}

func newKey(kind platform.Kind, date time.Time, source, dim string) Key {
	k := Key{Date: models.Day(date), Dimension: dim, ByAdID: kind.KeyByAdID()}
	if !k.ByAdID {
		k.Source = source
	}
	return k
}

func PerformanceKey(kind platform.Kind, r models.PerformanceRecord) Key {
	return newKey(kind, r.Date, r.Source, kind.PerformanceDimension(r))
}

func OverviewKey(kind platform.Kind, r models.AnalyticsOverviewRecord) Key {
	return newKey(kind, r.Date, r.Source, kind.OverviewDimension(r))
}

func EventKey(kind platform.Kind, r models.AnalyticsEventRecord) Key {
	return newKey(kind, r.Date, r.Source, kind.EventDimension(r))
}

// RecordKey re-derives the key of a classified row from its own columns.
func RecordKey(kind platform.Kind, r models.ReconciledRecord) Key {
	return newKey(kind, r.Date, r.Source, r.Dimension)
}
