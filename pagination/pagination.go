// Package pagination pages backwards through time-indexed message streams.
package pagination

import (
	"sort"
	"time"
)

// Keyed is implemented by anything that can be positioned in a stream.
type Keyed interface {
	Cursor() MessageCursor
}

// RangeQuery is an inclusive creation time range to be read from a time-indexed store. A positive
// limit asks for only the newest Limit entries of the range. Zero means no limit.
type RangeQuery struct {
	MinTime time.Time
	MaxTime time.Time
	Limit   int
}

var (
	distantPast   = time.Unix(0, 0)
	distantFuture = time.Date(2200, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// olderQueries returns the range queries that cover the newest limit entries created before the
// cursor. Entries sharing the cursor's timestamp can't be bounded by time alone, so that instant is
// read in full.
func olderQueries(before *MessageCursor, limit int) []RangeQuery {
	if before == nil {
		return []RangeQuery{{MinTime: distantPast, MaxTime: distantFuture, Limit: limit}}
	}
	t := before.Time()
	queries := []RangeQuery{{MinTime: t, MaxTime: t}}
	if end := t.Add(-time.Nanosecond); !end.Before(distantPast) {
		queries = append(queries, RangeQuery{MinTime: distantPast, MaxTime: end, Limit: limit})
	}
	return queries
}

// Older reads the page of at most pageSize entries created before the given cursor, or the newest
// page if the cursor is nil. The page is ordered newest first. The returned cursor marks the oldest
// entry of the page and is nil if there is nothing older.
//
// read is invoked once per range query. When a limited range comes back full, its oldest instant
// is read again without a limit so that entries sharing that timestamp aren't split across pages.
func Older[T Keyed](before *MessageCursor, pageSize int, read func(RangeQuery) ([]T, error)) ([]T, *MessageCursor, error) {
	queries := olderQueries(before, pageSize+1)
	seen := map[MessageCursor]struct{}{}
	var candidates []T
	for i := 0; i < len(queries); i++ {
		q := queries[i]
		entries, err := read(q)
		if err != nil {
			return nil, nil, err
		}
		oldest := q.MaxTime
		for _, entry := range entries {
			c := entry.Cursor()
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				candidates = append(candidates, entry)
			}
			if t := c.Time(); t.Before(oldest) {
				oldest = t
			}
		}
		if q.Limit > 0 && len(entries) >= q.Limit {
			queries = append(queries, RangeQuery{MinTime: oldest, MaxTime: oldest})
		}
	}
	page, next := Select(candidates, before, pageSize)
	return page, next, nil
}

// Select returns the newest pageSize entries strictly older than the cursor, newest first, along
// with the cursor of the last one if any older entries were left out. A non-positive page size
// selects everything.
func Select[T Keyed](entries []T, before *MessageCursor, pageSize int) ([]T, *MessageCursor) {
	var older []T
	for _, entry := range entries {
		if before == nil || entry.Cursor().LessThan(*before) {
			older = append(older, entry)
		}
	}
	sort.Slice(older, func(i, j int) bool {
		return older[j].Cursor().LessThan(older[i].Cursor())
	})
	if pageSize <= 0 || len(older) <= pageSize {
		return older, nil
	}
	older = older[:pageSize]
	next := older[pageSize-1].Cursor()
	return older, &next
}
