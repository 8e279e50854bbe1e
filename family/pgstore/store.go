// Package pgstore is a PostgreSQL implementation of family.Store.
//
// Each mutation runs in one transaction that locks the family row (SELECT ... FOR UPDATE), so
// concurrent rotations of one family serialize in the database and exactly one of them sees
// the presented secret as current.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mealplanner/authcore/family"
	"github.com/mealplanner/authcore/family/pgstore/migrations"
	"github.com/mealplanner/authcore/refresh"
)

// DBTX is the subset of database/sql used by the store. Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements family.Store over database/sql with the pgx driver.
type Store struct {
	db  *sql.DB
	cfg family.Config
}

var _ family.Store = (*Store)(nil)

// New wraps an open database. The schema must already be migrated (see Migrate).
func New(db *sql.DB, cfg family.Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("pgstore: db is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{db: db, cfg: cfg}, nil
}

// Open connects with the pgx driver, pings, runs migrations and returns the store.
func Open(ctx context.Context, dsn string, cfg family.Config) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, cfg)
}

// gooseUp is a seam for tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUp(ctx, db, "."); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction and commits when it returns nil.
func withTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("%w: %v", family.ErrStoreUnavailable, cerr)
		}
	}()

	return fn(ctx, tx)
}

// Create implements family.Store.
func (s *Store) Create(ctx context.Context, subjectID, role string) (family.Family, family.Record, refresh.Secret, error) {
	if subjectID == "" {
		return family.Family{}, family.Record{}, refresh.Secret{}, errors.New("pgstore: subject is required")
	}
	secret, err := refresh.NewSecret()
	if err != nil {
		return family.Family{}, family.Record{}, refresh.Secret{}, err
	}

	now := s.cfg.Now().UTC().Truncate(time.Microsecond)
	fam := family.Family{
		ID:               uuid.NewString(),
		SubjectID:        subjectID,
		Role:             role,
		State:            family.StateActive,
		CurrentRefreshID: uuid.NewString(),
		CreatedAt:        now,
		LastRotatedAt:    now,
	}
	rec := family.Record{
		ID:         fam.CurrentRefreshID,
		FamilyID:   fam.ID,
		SecretHash: secret.Hash(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.RefreshTTL),
	}
	sealed, err := s.cfg.Sealer.Seal(fam.ID, secret)
	if err != nil {
		return family.Family{}, family.Record{}, refresh.Secret{}, err
	}

	err = withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO token_families (family_id, subject_id, role, state, current_refresh_id, current_sealed, created_at, last_rotated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, fam.ID, subjectID, role, family.StateActive.String(), rec.ID, sealed, now, now); err != nil {
			return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO refresh_records (refresh_id, family_id, secret_hash, issued_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
		`, rec.ID, fam.ID, rec.SecretHash, rec.IssuedAt, rec.ExpiresAt); err != nil {
			return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return family.Family{}, family.Record{}, refresh.Secret{}, err
	}

	return fam, rec, secret, nil
}

const lockSnapshotQuery = `
	SELECT f.subject_id, f.role, f.created_at, f.state, f.revoke_reason, f.current_refresh_id,
	       f.grace_expires_at, r.secret_hash, r.expires_at, COALESCE(p.secret_hash, '')
	FROM token_families f
	JOIN refresh_records r ON r.refresh_id = f.current_refresh_id
	LEFT JOIN refresh_records p ON p.refresh_id = f.previous_refresh_id
	WHERE f.family_id = $1
	FOR UPDATE OF f
`

// Rotate implements family.Store.
func (s *Store) Rotate(ctx context.Context, familyID string, presented refresh.Secret) (family.Family, family.Record, refresh.Secret, error) {
	next, err := refresh.NewSecret()
	if err != nil {
		return family.Family{}, family.Record{}, refresh.Secret{}, err
	}
	sealed, err := s.cfg.Sealer.Seal(familyID, next)
	if err != nil {
		return family.Family{}, family.Record{}, refresh.Secret{}, err
	}

	now := s.cfg.Now().UTC().Truncate(time.Microsecond)
	rec := family.Record{
		ID:         uuid.NewString(),
		FamilyID:   familyID,
		SecretHash: next.Hash(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.RefreshTTL),
	}
	fam := family.Family{
		ID:               familyID,
		State:            family.StateActive,
		CurrentRefreshID: rec.ID,
		GraceExpiresAt:   now.Add(s.cfg.GraceWindow),
		LastRotatedAt:    now,
	}

	err = withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var (
			state  string
			reason string
			grace  sql.NullTime
			snap   family.Snapshot
		)
		err := tx.QueryRowContext(ctx, lockSnapshotQuery, familyID).Scan(
			&fam.SubjectID, &fam.Role, &fam.CreatedAt, &state, &reason, &fam.PreviousRefreshID,
			&grace, &snap.CurrentHash, &snap.CurrentExpiresAt, &snap.PreviousHash,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return family.ErrFamilyNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
		}
		if snap.State, err = family.ParseState(state); err != nil {
			return err
		}
		snap.RevokeReason = family.RevokeReason(reason)
		if grace.Valid {
			snap.GraceExpiresAt = grace.Time
		}

		verdict := family.DecideRotate(snap, presented.Hash(), now)
		if verdict != family.VerdictRotate {
			return verdict.Err(snap.RevokeReason)
		}
		if fam.State, err = family.Transition(snap.State, family.EventRotate); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO refresh_records (refresh_id, family_id, secret_hash, issued_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
		`, rec.ID, familyID, rec.SecretHash, rec.IssuedAt, rec.ExpiresAt); err != nil {
			return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE refresh_records SET superseded_by = $1 WHERE refresh_id = $2
		`, rec.ID, fam.PreviousRefreshID); err != nil {
			return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE token_families
			SET previous_refresh_id = current_refresh_id, current_refresh_id = $2, current_sealed = $3,
			    grace_expires_at = $4, last_rotated_at = $5
			WHERE family_id = $1
		`, familyID, rec.ID, sealed, fam.GraceExpiresAt, now); err != nil {
			return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return family.Family{}, family.Record{}, refresh.Secret{}, err
	}
	return fam, rec, next, nil
}

const currentQuery = `
	SELECT f.subject_id, f.role, f.state, f.revoke_reason, f.current_refresh_id,
	       COALESCE(f.previous_refresh_id, ''), f.current_sealed, f.grace_expires_at,
	       f.created_at, f.last_rotated_at, f.revoked_at,
	       r.secret_hash, r.issued_at, r.expires_at, COALESCE(p.secret_hash, '')
	FROM token_families f
	JOIN refresh_records r ON r.refresh_id = f.current_refresh_id
	LEFT JOIN refresh_records p ON p.refresh_id = f.previous_refresh_id
	WHERE f.family_id = $1
`

// ValidateGrace implements family.Store. It is a single read; the grace decision does not
// mutate the family.
func (s *Store) ValidateGrace(ctx context.Context, familyID string, presented refresh.Secret) (family.Current, bool, error) {
	var (
		fam              family.Family
		rec              family.Record
		state, reason    string
		sealed           []byte
		grace, revokedAt sql.NullTime
		previousHash     string
	)
	err := s.db.QueryRowContext(ctx, currentQuery, familyID).Scan(
		&fam.SubjectID, &fam.Role, &state, &reason, &fam.CurrentRefreshID,
		&fam.PreviousRefreshID, &sealed, &grace,
		&fam.CreatedAt, &fam.LastRotatedAt, &revokedAt,
		&rec.SecretHash, &rec.IssuedAt, &rec.ExpiresAt, &previousHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return family.Current{}, false, family.ErrFamilyNotFound
	}
	if err != nil {
		return family.Current{}, false, fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
	}

	fam.ID = familyID
	if fam.State, err = family.ParseState(state); err != nil {
		return family.Current{}, false, err
	}
	fam.RevokeReason = family.RevokeReason(reason)
	if grace.Valid {
		fam.GraceExpiresAt = grace.Time
	}
	if revokedAt.Valid {
		fam.RevokedAt = revokedAt.Time
	}

	snap := family.Snapshot{
		State:            fam.State,
		RevokeReason:     fam.RevokeReason,
		CurrentHash:      rec.SecretHash,
		CurrentExpiresAt: rec.ExpiresAt,
		PreviousHash:     previousHash,
		GraceExpiresAt:   fam.GraceExpiresAt,
	}
	switch verdict := family.DecideGrace(snap, presented.Hash(), s.cfg.Now()); verdict {
	case family.VerdictGrace:
	case family.VerdictMismatch:
		return family.Current{}, false, nil
	default:
		return family.Current{}, false, verdict.Err(fam.RevokeReason)
	}
	if fam.State, err = family.Transition(fam.State, family.EventGraceReserve); err != nil {
		return family.Current{}, false, err
	}

	secret, err := s.cfg.Sealer.Open(familyID, sealed)
	if err != nil {
		return family.Current{}, false, fmt.Errorf("%w: %v", family.ErrCorrupt, err)
	}
	rec.ID = fam.CurrentRefreshID
	rec.FamilyID = familyID
	return family.Current{Family: fam, Record: rec, Secret: secret}, true, nil
}

// Revoke implements family.Store. It reports whether this call moved the family to Revoked.
func (s *Store) Revoke(ctx context.Context, familyID string, reason family.RevokeReason) (bool, error) {
	var revoked bool
	err := withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var state string
		err := tx.QueryRowContext(ctx, `
			SELECT state FROM token_families WHERE family_id = $1 FOR UPDATE
		`, familyID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
		}
		revoked, err = s.revokeLocked(ctx, tx, familyID, state, reason)
		return err
	})
	if err != nil {
		return false, err
	}
	return revoked, nil
}

// RevokeSubject implements family.Store. All families of the subject are locked in one
// transaction.
func (s *Store) RevokeSubject(ctx context.Context, subjectID string, reason family.RevokeReason) (int, error) {
	var revoked int
	err := withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT family_id, state FROM token_families WHERE subject_id = $1 FOR UPDATE
		`, subjectID)
		if err != nil {
			return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
		}
		type lockedFamily struct{ id, state string }
		var locked []lockedFamily
		for rows.Next() {
			var f lockedFamily
			if err := rows.Scan(&f.id, &f.state); err != nil {
				rows.Close()
				return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
			}
			locked = append(locked, f)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
		}
		rows.Close()

		for _, f := range locked {
			ok, err := s.revokeLocked(ctx, tx, f.id, f.state, reason)
			if err != nil {
				return err
			}
			if ok {
				revoked++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

// revokeLocked applies the revocation event to a row already locked by tx. A family that is
// already Revoked is left untouched, keeping its first reason.
func (s *Store) revokeLocked(ctx context.Context, tx DBTX, familyID, state string, reason family.RevokeReason) (bool, error) {
	from, err := family.ParseState(state)
	if err != nil {
		return false, err
	}
	to, err := family.Transition(from, reason.Event())
	if err != nil {
		return false, err
	}
	if to == from {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE token_families
		SET state = $2, revoke_reason = $3, revoked_at = $4, current_sealed = NULL
		WHERE family_id = $1
	`, familyID, to.String(), string(reason), s.cfg.Now().UTC()); err != nil {
		return false, fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
	}
	return true, nil
}

// Get implements family.Store.
func (s *Store) Get(ctx context.Context, familyID string) (family.Family, error) {
	var (
		fam              family.Family
		state, reason    string
		grace, revokedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_id, role, state, revoke_reason, current_refresh_id,
		       COALESCE(previous_refresh_id, ''), grace_expires_at, created_at, last_rotated_at, revoked_at
		FROM token_families
		WHERE family_id = $1
	`, familyID).Scan(
		&fam.SubjectID, &fam.Role, &state, &reason, &fam.CurrentRefreshID,
		&fam.PreviousRefreshID, &grace, &fam.CreatedAt, &fam.LastRotatedAt, &revokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return family.Family{}, family.ErrFamilyNotFound
	}
	if err != nil {
		return family.Family{}, fmt.Errorf("%w: %v", family.ErrStoreUnavailable, err)
	}

	fam.ID = familyID
	if fam.State, err = family.ParseState(state); err != nil {
		return family.Family{}, err
	}
	fam.RevokeReason = family.RevokeReason(reason)
	if grace.Valid {
		fam.GraceExpiresAt = grace.Time
	}
	if revokedAt.Valid {
		fam.RevokedAt = revokedAt.Time
	}
	return fam, nil
}
