package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"authd/internal/domain/models"
	"authd/internal/storage"

	"github.com/mattn/go-sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"
	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, email string, passHash []byte) (int64, error) {
	const op = "storage.sqlite.SaveUser"
	stmt, err := s.db.Prepare("INSERT INTO users (email, pass_hash) VALUES (?, ?)")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()
	result, err := stmt.ExecContext(ctx, email, passHash)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.LastInsertId()
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.sqlite.User"
	row := s.db.QueryRowContext(ctx, "SELECT id, email, pass_hash FROM users WHERE email = ?", email)
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.PassHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &user, nil
}

func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.sqlite.UserByID"
	row := s.db.QueryRowContext(ctx, "SELECT id, email, pass_hash FROM users WHERE id = ?", userID)
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.PassHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &user, nil
}

// UpsertSession replaces the account's refresh session unconditionally.
// The user_id primary key keeps the table at one row per account, so a
// new login supersedes whatever session existed before.
func (s *Storage) UpsertSession(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	const op = "storage.sqlite.UpsertSession"
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_sessions (user_id, token_hash, expires_at, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   token_hash = excluded.token_hash,
		   expires_at = excluded.expires_at,
		   created_at = excluded.created_at`,
		userID, tokenHash, expiresAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) SessionByHash(ctx context.Context, tokenHash string) (*models.RefreshSession, error) {
	const op = "storage.sqlite.SessionByHash"
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, token_hash, expires_at, created_at FROM refresh_sessions WHERE token_hash = ?",
		tokenHash,
	)
	var sess models.RefreshSession
	err := row.Scan(&sess.UserID, &sess.TokenHash, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &sess, nil
}

// RotateSession deletes the session matching oldHash and inserts the
// replacement in one transaction. If the old row is already gone (another
// rotation won the race, or the token was never stored) nothing is
// inserted and ErrSessionNotFound is returned.
func (s *Storage) RotateSession(ctx context.Context, oldHash string, userID int64, newHash string, newExpiresAt time.Time) error {
	const op = "storage.sqlite.RotateSession"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM refresh_sessions WHERE token_hash = ?", oldHash)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if deleted == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO refresh_sessions (user_id, token_hash, expires_at, created_at) VALUES (?, ?, ?, ?)",
		userID, newHash, newExpiresAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteSessionByHash removes an expired session row. Absence is not an error.
func (s *Storage) DeleteSessionByHash(ctx context.Context, tokenHash string) error {
	const op = "storage.sqlite.DeleteSessionByHash"
	_, err := s.db.ExecContext(ctx, "DELETE FROM refresh_sessions WHERE token_hash = ?", tokenHash)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteSessionByUser removes the account's session row. Absence is not an error.
func (s *Storage) DeleteSessionByUser(ctx context.Context, userID int64) error {
	const op = "storage.sqlite.DeleteSessionByUser"
	_, err := s.db.ExecContext(ctx, "DELETE FROM refresh_sessions WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
