// Package history persists a durable, queryable record of every run this
// orchestrator has executed, independent of the per-run side-car artifacts
// pkg/state writes under a run's own save_location. Where pkg/state exists
// so a crashed run can resume itself, pkg/history exists so an operator can
// answer "what ran, when, and how did it turn out" after the fact, across
// every run this machine has ever driven.
//
// The store is a single bbolt database with one bucket, keyed by run id (a
// github.com/google/uuid value), each holding a JSON-encoded Record: a
// bucket-of-JSON-blobs shape, narrowed to a single entity and made
// append-mostly, since a Record is written once when a run finishes and is
// not expected to be mutated afterward.
package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/islas/sane-workflows/pkg/types"
)

var bucketRuns = []byte("runs")

// ActionRecord is the terminal (state, status) of one action in a
// completed or interrupted run, frozen at the moment the run record was
// written.
type ActionRecord struct {
	State  types.State  `json:"state"`
	Status types.Status `json:"status"`
}

// Record is one run of the orchestrator, from the moment it started
// claiming a host to the moment every action reached a terminal state (or
// the process exited, for a run later resumed under a fresh Record).
type Record struct {
	RunID        string                  `json:"run_id"`
	Host         string                  `json:"host"`
	SaveLocation string                  `json:"save_location"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   time.Time               `json:"finished_at"`
	DryRun       bool                    `json:"dry_run"`
	Actions      map[string]ActionRecord `json:"actions"`
}

// NewRunID returns a fresh run identifier. Exported so cmd/sane can stamp a
// run with its id before the run starts, independent of when it is first
// saved to history.
func NewRunID() string {
	return uuid.NewString()
}

// Store is a bbolt-backed append-mostly log of Records, keyed by RunID.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the history database at path and
// ensures its bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: creating bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes (or overwrites) a run record, keyed by its RunID.
func (s *Store) Save(record Record) error {
	if record.RunID == "" {
		return fmt.Errorf("history: record has no run id")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("history: marshaling run %s: %w", record.RunID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(record.RunID), data)
	})
}

// Get returns one run record by id.
func (s *Store) Get(runID string) (Record, error) {
	var record Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("history: run %s not found", runID)
		}
		return json.Unmarshal(data, &record)
	})
	return record, err
}

// List returns every run record, most recently started first.
func (s *Store) List() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("history: parsing run %s: %w", k, err)
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// ListForHost returns every run record for host, most recently started
// first: the query an operator reaches for when one machine starts
// misbehaving and they want to know what it has been running.
func (s *Store) ListForHost(host string) ([]Record, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var filtered []Record
	for _, r := range all {
		if r.Host == host {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// Summarize reduces a Record to its outcome counts, the shape the history
// CLI subcommand renders one line of per run.
func (r Record) Summarize() (success, failure, other int) {
	for _, a := range r.Actions {
		switch {
		case a.State == types.StateFinished && a.Status == types.StatusSuccess:
			success++
		case a.State == types.StateFinished && a.Status == types.StatusSubmitted:
			success++
		case a.State == types.StateFinished && a.Status == types.StatusFailure:
			failure++
		default:
			other++
		}
	}
	return success, failure, other
}
