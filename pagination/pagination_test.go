package pagination

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	cursor MessageCursor
}

func (e testEntry) Cursor() MessageCursor {
	return e.cursor
}

func ids(entries []testEntry) []string {
	ret := make([]string, len(entries))
	for i, e := range entries {
		ret[i] = e.cursor.Id
	}
	return ret
}

// testStore mimics a sorted-set index: limited reads return the newest entries of the range, and
// entries sharing a timestamp come back in no particular order.
type testStore struct {
	entries []testEntry
	reads   []RangeQuery
}

func (s *testStore) read(q RangeQuery) ([]testEntry, error) {
	s.reads = append(s.reads, q)
	var ret []testEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		t := s.entries[i].cursor.Time()
		if !t.Before(q.MinTime) && !t.After(q.MaxTime) {
			ret = append(ret, s.entries[i])
		}
	}
	// reverse each run of equal timestamps so ties don't come back in cursor order
	for lo := 0; lo < len(ret); {
		hi := lo
		for hi < len(ret) && ret[hi].cursor.UnixNano == ret[lo].cursor.UnixNano {
			hi++
		}
		for i, j := lo, hi-1; i < j; i, j = i+1, j-1 {
			ret[i], ret[j] = ret[j], ret[i]
		}
		lo = hi
	}
	if q.Limit > 0 && len(ret) > q.Limit {
		ret = ret[:q.Limit]
	}
	return ret, nil
}

// testEntries returns n entries in ascending order. Runs of size tie share a timestamp.
func testEntries(base time.Time, n, tie int) []testEntry {
	entries := make([]testEntry, n)
	for i := range entries {
		entries[i] = testEntry{NewMessageCursor(base.Add(time.Duration(i/tie)*time.Second), fmt.Sprintf("%02d", i))}
	}
	return entries
}

func TestSelect(t *testing.T) {
	base := time.Date(2023, time.October, 3, 0, 0, 0, 0, time.UTC)
	entries := testEntries(base, 10, 2)

	t.Run("Newest", func(t *testing.T) {
		page, next := Select(entries, nil, 4)
		assert.Equal(t, []string{"09", "08", "07", "06"}, ids(page))
		require.NotNil(t, next)
		assert.Equal(t, "06", next.Id)
	})

	t.Run("BeforeWithTie", func(t *testing.T) {
		// 04 and 05 share a timestamp. only 04 is strictly before 05.
		page, next := Select(entries, &entries[5].cursor, 3)
		assert.Equal(t, []string{"04", "03", "02"}, ids(page))
		require.NotNil(t, next)
		assert.Equal(t, "02", next.Id)
	})

	t.Run("Exhausted", func(t *testing.T) {
		page, next := Select(entries, &entries[2].cursor, 5)
		assert.Equal(t, []string{"01", "00"}, ids(page))
		assert.Nil(t, next)
	})

	t.Run("ExactlyOnePage", func(t *testing.T) {
		page, next := Select(entries, nil, 10)
		assert.Len(t, page, 10)
		assert.Nil(t, next)
	})
}

func TestOlder(t *testing.T) {
	base := time.Date(2023, time.October, 3, 0, 0, 0, 0, time.UTC)

	for name, tc := range map[string]struct {
		Count    int
		Tie      int
		PageSize int
	}{
		"NoTies":      {25, 1, 10},
		"Pairs":       {25, 2, 10},
		"TiesAcross":  {11, 3, 4},
		"AllTied":     {7, 7, 3},
		"SinglePage":  {3, 1, 10},
		"EmptyStream": {0, 1, 10},
	} {
		t.Run(name, func(t *testing.T) {
			store := &testStore{entries: testEntries(base, tc.Count, tc.Tie)}

			var all []testEntry
			var before *MessageCursor
			for pages := 0; ; pages++ {
				require.True(t, pages <= tc.Count, "paging didn't terminate")
				page, next, err := Older(before, tc.PageSize, store.read)
				require.NoError(t, err)
				assert.True(t, len(page) <= tc.PageSize)
				all = append(all, page...)
				if next == nil {
					break
				}
				assert.Len(t, page, tc.PageSize)
				before = next
			}

			require.Len(t, all, tc.Count)
			for i := 1; i < len(all); i++ {
				assert.True(t, all[i].cursor.LessThan(all[i-1].cursor), "%v should precede %v", all[i-1].cursor.Id, all[i].cursor.Id)
			}
		})
	}

	t.Run("Queries", func(t *testing.T) {
		store := &testStore{entries: testEntries(base, 5, 1)}
		before := store.entries[3].cursor
		_, _, err := Older(&before, 10, store.read)
		require.NoError(t, err)
		require.Len(t, store.reads, 2)

		assert.True(t, store.reads[0].MinTime.Equal(before.Time()))
		assert.True(t, store.reads[0].MaxTime.Equal(before.Time()))
		assert.Equal(t, 0, store.reads[0].Limit)

		assert.True(t, store.reads[1].MinTime.Equal(distantPast))
		assert.True(t, store.reads[1].MaxTime.Equal(before.Time().Add(-time.Nanosecond)))
		assert.Equal(t, 11, store.reads[1].Limit)
	})

	t.Run("EmptyRange", func(t *testing.T) {
		store := &testStore{}
		before := NewMessageCursor(distantPast, "x")
		page, next, err := Older(&before, 10, store.read)
		require.NoError(t, err)
		assert.Empty(t, page)
		assert.Nil(t, next)
		assert.Len(t, store.reads, 1)
	})

	t.Run("ReadError", func(t *testing.T) {
		_, _, err := Older(nil, 10, func(RangeQuery) ([]testEntry, error) {
			return nil, errors.New("unavailable")
		})
		assert.Error(t, err)
	})
}

func TestCursorSerialization(t *testing.T) {
	cursor := NewMessageCursor(time.Date(2023, time.October, 3, 0, 0, 0, 5, time.UTC), "abc")
	s, err := SerializeCursor(cursor)
	require.NoError(t, err)
	assert.NotContains(t, s, "=")

	var decoded MessageCursor
	require.NoError(t, DeserializeCursor(s, &decoded))
	assert.Equal(t, cursor, decoded)
	assert.True(t, decoded.Time().Equal(cursor.Time()))

	assert.Error(t, DeserializeCursor("!!!", &decoded))
}
