package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/credman/credman/pkg/log"
)

var bucketEvents = []byte("events")

// Event is one journal entry. Details never contain passwords, key
// material, or decrypted payloads.
type Event struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Actor    string    `json:"actor,omitempty"`
	Action   string    `json:"action"`
	Label    string    `json:"label,omitempty"`
	Username string    `json:"username,omitempty"`
	Outcome  string    `json:"outcome"`
}

// Journal is an append-only audit log backed by BoltDB. Writes are
// best effort: a journal failure is logged and swallowed so auditing
// can never take the data plane down.
type Journal struct {
	db *bolt.DB
}

// Open opens (or creates) the journal file.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one event. The sequence number is assigned from the
// bucket's monotonic counter.
func (j *Journal) Record(event Event) {
	if j == nil {
		return
	}
	event.Time = time.Now().UTC()

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.Seq = seq

		data, err := json.Marshal(&event)
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
	if err != nil {
		logger := log.WithComponent("audit")
		logger.Error().Err(err).Str("action", event.Action).Msg("failed to record audit event")
	}
}

// RecordRotation implements the rotator's Recorder interface.
func (j *Journal) RecordRotation(label, outcome string) {
	j.Record(Event{Action: "ROTATE CREDENTIALS", Label: label, Outcome: outcome})
}

// List returns up to limit events starting at the newest. limit <= 0
// returns everything.
func (j *Journal) List(limit int) ([]Event, error) {
	var events []Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, e)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	return events, err
}
