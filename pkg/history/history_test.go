package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islas/sane-workflows/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)

	record := Record{
		RunID:      NewRunID(),
		Host:       "login01",
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
		Actions: map[string]ActionRecord{
			"build": {State: types.StateFinished, Status: types.StatusSuccess},
			"test":  {State: types.StateFinished, Status: types.StatusFailure},
		},
	}
	require.NoError(t, s.Save(record))

	got, err := s.Get(record.RunID)
	require.NoError(t, err)
	assert.Equal(t, record.Host, got.Host)
	assert.Equal(t, types.StatusSuccess, got.Actions["build"].Status)
}

func TestGetUnknownRun(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(NewRunID())
	require.Error(t, err)
}

func TestListOrdersMostRecentFirst(t *testing.T) {
	s := openTestStore(t)

	older := Record{RunID: NewRunID(), Host: "a", StartedAt: time.Now().Add(-2 * time.Hour)}
	newer := Record{RunID: NewRunID(), Host: "a", StartedAt: time.Now()}
	require.NoError(t, s.Save(older))
	require.NoError(t, s.Save(newer))

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, newer.RunID, records[0].RunID)
	assert.Equal(t, older.RunID, records[1].RunID)
}

func TestListForHostFilters(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save(Record{RunID: NewRunID(), Host: "login01", StartedAt: time.Now()}))
	require.NoError(t, s.Save(Record{RunID: NewRunID(), Host: "login02", StartedAt: time.Now()}))

	records, err := s.ListForHost("login01")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "login01", records[0].Host)
}

func TestSummarize(t *testing.T) {
	r := Record{
		Actions: map[string]ActionRecord{
			"a": {State: types.StateFinished, Status: types.StatusSuccess},
			"b": {State: types.StateFinished, Status: types.StatusFailure},
			"c": {State: types.StateFinished, Status: types.StatusSubmitted},
			"d": {State: types.StateSkipped, Status: types.StatusNone},
		},
	}
	success, failure, other := r.Summarize()
	assert.Equal(t, 2, success)
	assert.Equal(t, 1, failure)
	assert.Equal(t, 1, other)
}

func TestSaveRejectsEmptyRunID(t *testing.T) {
	s := openTestStore(t)
	err := s.Save(Record{Host: "login01"})
	require.Error(t, err)
}
