package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"accountd/core"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed schema/postgres/schema.sql
var postgresSchema string

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	repo := &PostgresRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) initSchema() error {
	_, err := r.db.Exec(postgresSchema)
	return err
}

func isPQUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Principal operations

func (r *PostgresRepository) CreatePrincipal(ctx context.Context, p *core.Principal) error {
	query := `
		INSERT INTO principals (id, email, password_hash, is_active, is_superuser, locale, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
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
		if isPQUniqueViolation(err) {
			return core.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindPrincipalByID(ctx context.Context, id uuid.UUID) (*core.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = $1 AND deleted_at IS NULL`
	return scanPrincipal(r.db.QueryRowContext(ctx, query, id.String()).Scan)
}

func (r *PostgresRepository) FindPrincipalByEmail(ctx context.Context, email string) (*core.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE email = $1 AND deleted_at IS NULL`
	return scanPrincipal(r.db.QueryRowContext(ctx, query, core.NormalizeEmail(email)).Scan)
}

func (r *PostgresRepository) UpdatePrincipalPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `UPDATE principals SET password_hash = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, passwordHash, time.Now().Unix(), id.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (r *PostgresRepository) SoftDeletePrincipal(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE principals SET deleted_at = $1, is_active = 0, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL`

	now := time.Now().Unix()
	result, err := r.db.ExecContext(ctx, query, now, now, id.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

// Session operations

func (r *PostgresRepository) CreateSession(ctx context.Context, s *core.Session) error {
	query := `
		INSERT INTO sessions (id, principal_id, token_id, device_name, user_agent, ip_address, is_active, created_at, last_used_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
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
		if isPQUniqueViolation(err) {
			return core.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindSessionByID(ctx context.Context, id uuid.UUID) (*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(r.db.QueryRowContext(ctx, query, id.String()).Scan)
}

func (r *PostgresRepository) FindSessionByTokenID(ctx context.Context, tokenID string) (*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_id = $1`
	return scanSession(r.db.QueryRowContext(ctx, query, tokenID).Scan)
}

func (r *PostgresRepository) ListSessions(ctx context.Context, principalID uuid.UUID) ([]*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE principal_id = $1 ORDER BY last_used_at DESC`

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

func (r *PostgresRepository) RotateSession(ctx context.Context, oldTokenID, newTokenID string, expiresAt, lastUsedAt time.Time) error {
	query := `
		UPDATE sessions
		SET token_id = $1, expires_at = $2, last_used_at = $3
		WHERE token_id = $4 AND is_active = 1
	`

	result, err := r.db.ExecContext(ctx, query, newTokenID, expiresAt.Unix(), lastUsedAt.Unix(), oldTokenID)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (r *PostgresRepository) DeactivateSession(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sessions SET is_active = 0 WHERE id = $1 AND is_active = 1`

	result, err := r.db.ExecContext(ctx, query, id.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (r *PostgresRepository) DeactivateAllSessions(ctx context.Context, principalID uuid.UUID) (int64, error) {
	query := `UPDATE sessions SET is_active = 0 WHERE principal_id = $1 AND is_active = 1`

	result, err := r.db.ExecContext(ctx, query, principalID.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *PostgresRepository) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE is_active = 0 AND expires_at < $1 AND last_used_at < $2`

	result, err := r.db.ExecContext(ctx, query, time.Now().Unix(), cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *PostgresRepository) DeleteExpiredSessionsForPrincipal(ctx context.Context, principalID uuid.UUID) (int64, error) {
	query := `DELETE FROM sessions WHERE principal_id = $1 AND expires_at < $2`

	result, err := r.db.ExecContext(ctx, query, principalID.String(), time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
