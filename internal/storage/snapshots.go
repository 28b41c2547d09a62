package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aurelia-ai/facet/internal/integrity"
	"github.com/aurelia-ai/facet/internal/model"
	"github.com/aurelia-ai/facet/internal/store"
)

var _ store.Store = (*DB)(nil)

const snapshotColumns = `id, attribute_id, value, observer, blame_source, blame_id, recorded_at, seq, content_hash`

func scanSnapshot(row pgx.Row) (model.Snapshot, error) {
	var (
		s         model.Snapshot
		valueJSON []byte
		blameSrc  *string
		blameID   *string
	)
	if err := row.Scan(&s.ID, &s.AttributeID, &valueJSON, &s.Observer,
		&blameSrc, &blameID, &s.RecordedAt, &s.Seq, &s.ContentHash); err != nil {
		return model.Snapshot{}, err
	}
	if err := json.Unmarshal(valueJSON, &s.Value); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode value: %w", err)
	}
	if blameSrc != nil {
		b := model.Blame{Source: model.BlameSource(*blameSrc)}
		if blameID != nil {
			b.ID = *blameID
		}
		s.Blame = &b
	}
	s.RecordedAt = s.RecordedAt.UTC()
	return s, nil
}

// GetAttribute implements store.AttributeStore.
func (db *DB) GetAttribute(ctx context.Context, userID, attributeID string) (model.UserAttribute, error) {
	history, err := db.History(ctx, userID, attributeID)
	if err != nil {
		return model.UserAttribute{}, err
	}
	return model.UserAttribute{
		UserID:      userID,
		AttributeID: attributeID,
		Value:       history[len(history)-1].Value,
		History:     history,
	}, nil
}

// History implements store.AttributeStore. Snapshots come back
// oldest-to-newest, ordered by the store-assigned sequence.
func (db *DB) History(ctx context.Context, userID, attributeID string) ([]model.Snapshot, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+snapshotColumns+`
		 FROM attribute_snapshots
		 WHERE user_id = $1 AND attribute_id = $2
		 ORDER BY seq`, userID, attributeID)
	if err != nil {
		return nil, fmt.Errorf("storage: query history: %w", err)
	}
	defer rows.Close()

	var history []model.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan snapshot: %w", err)
		}
		history = append(history, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate history: %w", err)
	}
	if len(history) == 0 {
		return nil, &model.NotFoundError{Entity: "attribute", ID: attributeID}
	}
	return history, nil
}

// ListAttributeIDs implements store.AttributeStore.
func (db *DB) ListAttributeIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT attribute_id FROM attribute_snapshots
		 WHERE user_id = $1 ORDER BY attribute_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list attribute ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan attribute id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Append implements store.AttributeStore.
func (db *DB) Append(ctx context.Context, userID string, w store.Write) (model.Snapshot, error) {
	snaps, err := db.AppendBatch(ctx, userID, []store.Write{w})
	if err != nil {
		return model.Snapshot{}, err
	}
	return snaps[0], nil
}

// attrState is the tail of one (user, attribute) history, loaded under the
// advisory lock before the batch is validated and applied.
type attrState struct {
	kind     string // "" until the first snapshot establishes one
	prevHash string
	lastAt   time.Time
	lastSeq  int64
}

// AppendBatch implements store.AttributeStore. The whole batch runs in one
// transaction: advisory locks serialize concurrent appenders per
// (user, attribute) pair, every write is validated against the established
// kind before any row is inserted, and a failure rolls the batch back whole.
// Transient serialization and deadlock failures are retried; validation
// failures are not.
func (db *DB) AppendBatch(ctx context.Context, userID string, ws []store.Write) ([]model.Snapshot, error) {
	if len(ws) == 0 {
		return nil, nil
	}
	for _, w := range ws {
		if err := validateWrite(userID, w); err != nil {
			return nil, err
		}
	}

	var snaps []model.Snapshot
	err := withRetry(ctx, 3, 10*time.Millisecond, func() error {
		var err error
		snaps, err = db.appendBatchTx(ctx, userID, ws)
		return err
	})
	return snaps, err
}

func (db *DB) appendBatchTx(ctx context.Context, userID string, ws []store.Write) ([]model.Snapshot, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Take advisory locks in a stable order so concurrent batches over
	// overlapping attribute sets cannot deadlock.
	attrs := distinctAttributes(ws)
	for _, attr := range attrs {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`, userID, attr); err != nil {
			return nil, fmt.Errorf("storage: lock %s/%s: %w", userID, attr, err)
		}
	}

	// 2. Load the tail of each touched history.
	state := make(map[string]*attrState, len(attrs))
	for _, attr := range attrs {
		st := &attrState{prevHash: integrity.ChainSeed}
		err := tx.QueryRow(ctx,
			`SELECT kind, content_hash, recorded_at, seq
			 FROM attribute_snapshots
			 WHERE user_id = $1 AND attribute_id = $2
			 ORDER BY seq DESC LIMIT 1`, userID, attr,
		).Scan(&st.kind, &st.prevHash, &st.lastAt, &st.lastSeq)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: load history tail %s/%s: %w", userID, attr, err)
		}
		st.lastAt = st.lastAt.UTC()
		state[attr] = st
	}

	// 3. Check every write against the established kind, including kinds
	// established by earlier writes in this same batch, before inserting
	// anything.
	pending := make(map[string]string, len(attrs))
	for attr, st := range state {
		pending[attr] = st.kind
	}
	for _, w := range ws {
		got := string(w.Value.Kind())
		if established := pending[w.AttributeID]; established != "" && established != got {
			return nil, fmt.Errorf("storage: append %s/%s: got %s, established %s: %w",
				userID, w.AttributeID, got, established, model.ErrTypeMismatch)
		}
		pending[w.AttributeID] = got
	}

	// 4. Insert, chaining hashes and clamping timestamps so each history
	// stays non-decreasing even under clock skew.
	now := time.Now().UTC()
	snaps := make([]model.Snapshot, 0, len(ws))
	for _, w := range ws {
		st := state[w.AttributeID]

		at := now
		if at.Before(st.lastAt) {
			at = st.lastAt
		}
		st.lastSeq++

		s := model.Snapshot{
			ID:          uuid.New(),
			AttributeID: w.AttributeID,
			Value:       w.Value,
			Observer:    w.Observer,
			RecordedAt:  at,
			Seq:         st.lastSeq,
		}
		if w.Blame != nil {
			b := *w.Blame
			s.Blame = &b
		}
		s.ContentHash = integrity.SnapshotHash(userID, s, st.prevHash)
		st.prevHash = s.ContentHash
		st.lastAt = at

		valueJSON, err := json.Marshal(s.Value)
		if err != nil {
			return nil, fmt.Errorf("storage: encode value %s/%s: %w", userID, w.AttributeID, err)
		}
		var blameSrc, blameID *string
		if s.Blame != nil {
			src, id := string(s.Blame.Source), s.Blame.ID
			blameSrc, blameID = &src, &id
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO attribute_snapshots
			 (id, user_id, attribute_id, kind, value, observer, blame_source, blame_id, recorded_at, seq, content_hash)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			s.ID, userID, s.AttributeID, string(s.Value.Kind()), valueJSON,
			s.Observer, blameSrc, blameID, s.RecordedAt, s.Seq, s.ContentHash,
		); err != nil {
			return nil, fmt.Errorf("storage: insert snapshot %s/%s: %w", userID, w.AttributeID, err)
		}
		snaps = append(snaps, s)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit append tx: %w", err)
	}
	return snaps, nil
}

func validateWrite(userID string, w store.Write) error {
	if !w.Value.Kind().Valid() {
		return fmt.Errorf("storage: append %s/%s: invalid value kind", userID, w.AttributeID)
	}
	if w.Observer == "" {
		return fmt.Errorf("storage: append %s/%s: empty observer", userID, w.AttributeID)
	}
	if w.Blame != nil && !w.Blame.Source.Valid() {
		return fmt.Errorf("storage: append %s/%s: invalid blame source %q", userID, w.AttributeID, w.Blame.Source)
	}
	return nil
}

func distinctAttributes(ws []store.Write) []string {
	seen := make(map[string]bool, len(ws))
	var attrs []string
	for _, w := range ws {
		if !seen[w.AttributeID] {
			seen[w.AttributeID] = true
			attrs = append(attrs, w.AttributeID)
		}
	}
	sort.Strings(attrs)
	return attrs
}
