package p2p

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
	"github.com/Klingon-tech/klingnet-relay/internal/storage"
)

// Penalty values for different offenses.
const (
	PenaltyInvalidBlock  = 50  // Block failed validation.
	PenaltyProtocolError = 100 // Malformed frame or broken handshake.
)

// TrustFlagThreshold is the score at which a peer is reported as
// misbehaving. Scores are counted, never enforced.
const TrustFlagThreshold = 100

const trustKeyPrefix = "trust/"

// TrustRecord is the persisted score of one peer identity.
type TrustRecord struct {
	Identity  string `json:"identity"`
	Score     int    `json:"score"`
	Offenses  int    `json:"offenses"`
	Reason    string `json:"reason"`     // Most recent offense
	UpdatedAt int64  `json:"updated_at"` // Unix timestamp
}

// Flagged reports whether the score reached TrustFlagThreshold.
func (r *TrustRecord) Flagged() bool {
	return r.Score >= TrustFlagThreshold
}

// Trust counts offenses per peer identity. With a database the scores
// survive restarts.
type Trust struct {
	mu      sync.RWMutex
	records map[string]*TrustRecord
	db      storage.DB // nil disables persistence
}

// NewTrust creates a Trust. db may be nil.
func NewTrust(db storage.DB) *Trust {
	return &Trust{
		records: make(map[string]*TrustRecord),
		db:      db,
	}
}

// Load restores persisted scores. Corrupt records are skipped.
func (t *Trust) Load() error {
	if t.db == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.db.ForEach([]byte(trustKeyPrefix), func(key, value []byte) error {
		var rec TrustRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		t.records[rec.Identity] = &rec
		return nil
	})
}

// RecordOffense adds penalty to the identity's score.
func (t *Trust) RecordOffense(identity string, penalty int, reason string) {
	t.mu.Lock()
	rec, ok := t.records[identity]
	if !ok {
		rec = &TrustRecord{Identity: identity}
		t.records[identity] = rec
	}
	wasFlagged := rec.Flagged()
	rec.Score += penalty
	rec.Offenses++
	rec.Reason = reason
	rec.UpdatedAt = time.Now().Unix()
	snapshot := *rec
	t.mu.Unlock()

	if t.db != nil {
		if err := t.put(&snapshot); err != nil {
			klog.P2P.Warn().Err(err).Str("peer", shortID(identity)).Msg("Persist trust score failed")
		}
	}

	if !wasFlagged && snapshot.Flagged() {
		klog.P2P.Warn().
			Str("peer", shortID(identity)).
			Str("reason", reason).
			Int("score", snapshot.Score).
			Msg("Peer flagged as misbehaving")
	}
}

// Score returns the identity's accumulated score.
func (t *Trust) Score(identity string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[identity]; ok {
		return rec.Score
	}
	return 0
}

// Records returns a snapshot of every score, highest first.
func (t *Trust) Records() []TrustRecord {
	t.mu.RLock()
	list := make([]TrustRecord, 0, len(t.records))
	for _, rec := range t.records {
		list = append(list, *rec)
	}
	t.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		return list[i].Identity < list[j].Identity
	})
	return list
}

// Forget clears an identity's score.
func (t *Trust) Forget(identity string) error {
	t.mu.Lock()
	delete(t.records, identity)
	t.mu.Unlock()

	if t.db != nil {
		return t.db.Delete(trustKey(identity))
	}
	return nil
}

func (t *Trust) put(rec *TrustRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trust record: %w", err)
	}
	return t.db.Put(trustKey(rec.Identity), data)
}

func trustKey(identity string) []byte {
	return []byte(trustKeyPrefix + identity)
}

// shortID trims long identities for log fields.
func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
