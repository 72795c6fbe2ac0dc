package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"accountd/core"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite/schema.sql
var sqliteSchema string

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema() error {
	_, err := r.db.Exec(sqliteSchema)
	return err
}

// Principal operations

func (r *SQLiteRepository) CreatePrincipal(ctx context.Context, p *core.Principal) error {
	query := `
		INSERT INTO principals (id, email, password_hash, is_active, is_superuser, locale, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		p.ID.String(),
		p.Email,
		nullString(p.PasswordHash),
		boolToInt(p.IsActive),
		boolToInt(p.IsSuperuser),
		p.Locale,
		p.CreatedAt.Unix(),
		p.UpdatedAt.Unix(),
		nullUnix(p.DeletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrAlreadyExists
		}
		return err
	}
	return nil
}

const principalColumns = `id, email, password_hash, is_active, is_superuser, locale, created_at, updated_at, deleted_at`

func scanPrincipal(scan func(dest ...any) error) (*core.Principal, error) {
	var p core.Principal
	var idStr string
	var passwordHash sql.NullString
	var isActive, isSuperuser int
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64

	err := scan(&idStr, &p.Email, &passwordHash, &isActive, &isSuperuser, &p.Locale, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.ID = uuid.MustParse(idStr)
	if passwordHash.Valid {
		p.PasswordHash = &passwordHash.String
	}
	p.IsActive = isActive != 0
	p.IsSuperuser = isSuperuser != 0
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0)
		p.DeletedAt = &t
	}

	return &p, nil
}

func (r *SQLiteRepository) FindPrincipalByID(ctx context.Context, id uuid.UUID) (*core.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = ? AND deleted_at IS NULL`
	return scanPrincipal(r.db.QueryRowContext(ctx, query, id.String()).Scan)
}

func (r *SQLiteRepository) FindPrincipalByEmail(ctx context.Context, email string) (*core.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE email = ? AND deleted_at IS NULL`
	return scanPrincipal(r.db.QueryRowContext(ctx, query, core.NormalizeEmail(email)).Scan)
}

func (r *SQLiteRepository) UpdatePrincipalPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `UPDATE principals SET password_hash = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, passwordHash, time.Now().Unix(), id.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (r *SQLiteRepository) SoftDeletePrincipal(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE principals SET deleted_at = ?, is_active = 0, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

	now := time.Now().Unix()
	result, err := r.db.ExecContext(ctx, query, now, now, id.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

// Session operations

func (r *SQLiteRepository) CreateSession(ctx context.Context, s *core.Session) error {
	query := `
		INSERT INTO sessions (id, principal_id, token_id, device_name, user_agent, ip_address, is_active, created_at, last_used_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		s.ID.String(),
		s.PrincipalID.String(),
		s.TokenID,
		s.DeviceName,
		s.UserAgent,
		s.IPAddress,
		boolToInt(s.IsActive),
		s.CreatedAt.Unix(),
		s.LastUsedAt.Unix(),
		s.ExpiresAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrAlreadyExists
		}
		return err
	}
	return nil
}

const sessionColumns = `id, principal_id, token_id, device_name, user_agent, ip_address, is_active, created_at, last_used_at, expires_at`

func scanSession(scan func(dest ...any) error) (*core.Session, error) {
	var s core.Session
	var idStr, principalIDStr string
	var isActive int
	var createdAt, lastUsedAt, expiresAt int64

	err := scan(&idStr, &principalIDStr, &s.TokenID, &s.DeviceName, &s.UserAgent, &s.IPAddress, &isActive, &createdAt, &lastUsedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.ID = uuid.MustParse(idStr)
	s.PrincipalID = uuid.MustParse(principalIDStr)
	s.IsActive = isActive != 0
	s.CreatedAt = time.Unix(createdAt, 0)
	s.LastUsedAt = time.Unix(lastUsedAt, 0)
	s.ExpiresAt = time.Unix(expiresAt, 0)

	return &s, nil
}

func (r *SQLiteRepository) FindSessionByID(ctx context.Context, id uuid.UUID) (*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	return scanSession(r.db.QueryRowContext(ctx, query, id.String()).Scan)
}

func (r *SQLiteRepository) FindSessionByTokenID(ctx context.Context, tokenID string) (*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_id = ?`
	return scanSession(r.db.QueryRowContext(ctx, query, tokenID).Scan)
}

func (r *SQLiteRepository) ListSessions(ctx context.Context, principalID uuid.UUID) ([]*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE principal_id = ? ORDER BY last_used_at DESC`

	rows, err := r.db.QueryContext(ctx, query, principalID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*core.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

func (r *SQLiteRepository) RotateSession(ctx context.Context, oldTokenID, newTokenID string, expiresAt, lastUsedAt time.Time) error {
	// Single conditional update keyed on the old jti: under concurrent
	// rotation exactly one caller matches the WHERE clause.
	query := `
		UPDATE sessions
		SET token_id = ?, expires_at = ?, last_used_at = ?
		WHERE token_id = ? AND is_active = 1
	`

	result, err := r.db.ExecContext(ctx, query, newTokenID, expiresAt.Unix(), lastUsedAt.Unix(), oldTokenID)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (r *SQLiteRepository) DeactivateSession(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sessions SET is_active = 0 WHERE id = ? AND is_active = 1`

	result, err := r.db.ExecContext(ctx, query, id.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (r *SQLiteRepository) DeactivateAllSessions(ctx context.Context, principalID uuid.UUID) (int64, error) {
	query := `UPDATE sessions SET is_active = 0 WHERE principal_id = ? AND is_active = 1`

	result, err := r.db.ExecContext(ctx, query, principalID.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *SQLiteRepository) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE is_active = 0 AND expires_at < ? AND last_used_at < ?`

	result, err := r.db.ExecContext(ctx, query, time.Now().Unix(), cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *SQLiteRepository) DeleteExpiredSessionsForPrincipal(ctx context.Context, principalID uuid.UUID) (int64, error) {
	query := `DELETE FROM sessions WHERE principal_id = ? AND expires_at < ?`

	result, err := r.db.ExecContext(ctx, query, principalID.String(), time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func requireRowsAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "UNIQUE") ||
		strings.Contains(errMsg, "unique")
}
