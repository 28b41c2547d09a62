package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aurelia-ai/facet/internal/model"
	"github.com/aurelia-ai/facet/internal/store"
)

// GetUser implements store.UserStore.
func (db *DB) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, email, phone, last_signed_in FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.LastSignedIn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, &model.NotFoundError{Entity: "user", ID: id}
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// PutUser implements store.UserStore. Upserts the profile row.
func (db *DB) PutUser(ctx context.Context, u model.User) error {
	if err := model.ValidateID(u.ID); err != nil {
		return fmt.Errorf("storage: put user: %w", err)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, phone, last_signed_in)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     email = EXCLUDED.email,
		     phone = EXCLUDED.phone,
		     last_signed_in = EXCLUDED.last_signed_in,
		     updated_at = now()`,
		u.ID, u.Name, u.Email, u.Phone, u.LastSignedIn)
	if err != nil {
		return fmt.Errorf("storage: put user: %w", err)
	}
	return nil
}

// DeleteUser implements store.UserStore: removes the user row and every
// snapshot history in a single transaction, archiving each deleted row to
// deletion_audit_log first.
func (db *DB) DeleteUser(ctx context.Context, id string) (store.DeleteUserResult, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.DeleteUserResult{}, fmt.Errorf("storage: begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return store.DeleteUserResult{}, fmt.Errorf("storage: lookup user: %w", err)
	}
	if !exists {
		return store.DeleteUserResult{}, &model.NotFoundError{Entity: "user", ID: id}
	}

	var result store.DeleteUserResult

	// 1. Archive and delete the snapshot histories.
	if _, err := tx.Exec(ctx,
		`INSERT INTO deletion_audit_log (user_id, table_name, record_id, record_data)
		 SELECT $1, 'attribute_snapshots', s.id::text, to_jsonb(s)
		 FROM attribute_snapshots s
		 WHERE s.user_id = $1`, id); err != nil {
		return store.DeleteUserResult{}, fmt.Errorf("storage: archive snapshots for delete: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM attribute_snapshots WHERE user_id = $1`, id)
	if err != nil {
		return store.DeleteUserResult{}, fmt.Errorf("storage: delete snapshots: %w", err)
	}
	result.Snapshots = tag.RowsAffected()

	// 2. Archive and delete the user row.
	if _, err := tx.Exec(ctx,
		`INSERT INTO deletion_audit_log (user_id, table_name, record_id, record_data)
		 SELECT $1, 'users', u.id, to_jsonb(u)
		 FROM users u
		 WHERE u.id = $1`, id); err != nil {
		return store.DeleteUserResult{}, fmt.Errorf("storage: archive user for delete: %w", err)
	}

	tag, err = tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return store.DeleteUserResult{}, fmt.Errorf("storage: delete user: %w", err)
	}
	result.Users = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return store.DeleteUserResult{}, fmt.Errorf("storage: commit delete tx: %w", err)
	}

	db.logger.Info("user deleted",
		"user_id", id, "snapshots", result.Snapshots)
	return result, nil
}
