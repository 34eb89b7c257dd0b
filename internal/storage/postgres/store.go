package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hongminglow/venue-auth/internal/models"
	"github.com/hongminglow/venue-auth/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Ensure Store satisfies the storage interfaces at compile time.
var (
	_ storage.UserStore = (*Store)(nil)
	_ storage.OTPStore  = (*Store)(nil)
	_ storage.Pinger    = (*Store)(nil)
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// conn is the subset of *pgxpool.Pool used by Store.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store provides Postgres-backed persistence for users and OTP records.
type Store struct {
	db conn
}

// NewStore connects to databaseURL and runs migrations.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{db: pool}, nil
}

func newWithConn(db conn) *Store {
	return &Store{db: db}
}

// Close releases database resources.
func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const userColumns = `id::text, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(password_hash, ''), full_name, role, is_verified, created_at`

// CreateUser inserts a new user row. Empty email, phone or password hash are stored as NULL.
func (s *Store) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Role == "" {
		user.Role = models.DefaultRole
	}
	query := `
		INSERT INTO users (id, email, phone, password_hash, full_name, role, is_verified)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
		RETURNING ` + userColumns
	row := s.db.QueryRow(ctx, query, user.ID, user.Email, user.Phone, user.PasswordHash, user.FullName, user.Role, user.IsVerified)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, storage.ErrAlreadyExists
		}
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

// FindByEmail fetches a user by email address.
func (s *Store) FindByEmail(ctx context.Context, email string) (models.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// FindByPhone fetches a user by phone number.
func (s *Store) FindByPhone(ctx context.Context, phone string) (models.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone)
}

func (s *Store) findOne(ctx context.Context, query string, arg any) (models.User, error) {
	user, err := scanUser(s.db.QueryRow(ctx, query, arg))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return models.User{}, fmt.Errorf("find user: %w", err)
	}
	return user, err
}

// SetInitialPassword upserts the account for email. An existing account is only updated while it
// has no password; otherwise storage.ErrAlreadyExists is returned.
func (s *Store) SetInitialPassword(ctx context.Context, email, passwordHash, phone string) (models.User, error) {
	query := `
		INSERT INTO users (id, email, phone, password_hash, full_name, role, is_verified)
		VALUES ($1, $2, NULLIF($3, ''), $4, '', $5, TRUE)
		ON CONFLICT (email) DO UPDATE
			SET password_hash = EXCLUDED.password_hash,
			    phone = COALESCE(EXCLUDED.phone, users.phone),
			    is_verified = TRUE
			WHERE users.password_hash IS NULL
		RETURNING ` + userColumns
	row := s.db.QueryRow(ctx, query, uuid.NewString(), email, phone, passwordHash, models.DefaultRole)
	user, err := scanUser(row)
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, storage.ErrNotFound), isUniqueViolation(err):
		// No row back means the conflict target already had a password.
		return models.User{}, storage.ErrAlreadyExists
	default:
		return models.User{}, fmt.Errorf("set initial password: %w", err)
	}
}

// UpdatePasswordHash replaces the password hash of the account registered under email.
func (s *Store) UpdatePasswordHash(ctx context.Context, email, passwordHash string) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE email = $1`, email, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// FindOrCreateFederated returns the account for email, inserting a verified one when missing.
// The no-op update makes RETURNING yield the existing row on conflict.
func (s *Store) FindOrCreateFederated(ctx context.Context, email, fullName, role string) (models.User, error) {
	query := `
		INSERT INTO users (id, email, full_name, role, is_verified)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING ` + userColumns
	user, err := scanUser(s.db.QueryRow(ctx, query, uuid.NewString(), email, fullName, role))
	if err != nil {
		return models.User{}, fmt.Errorf("find or create federated user: %w", err)
	}
	return user, nil
}

// ReplaceOTP supersedes every unverified record for (identifier, purpose) with rec in a single
// transaction. The advisory lock serializes concurrent issuers for the same pair.
func (s *Store) ReplaceOTP(ctx context.Context, rec models.OTPRecord) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		lockKey := rec.Identifier + ":" + string(rec.Purpose)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return fmt.Errorf("lock otp pair: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM otp_records WHERE identifier = $1 AND purpose = $2 AND verified = FALSE`,
			rec.Identifier, string(rec.Purpose)); err != nil {
			return fmt.Errorf("delete superseded otp: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO otp_records (identifier, code, purpose, expires_at) VALUES ($1, $2, $3, $4)`,
			rec.Identifier, rec.Code, string(rec.Purpose), rec.ExpiresAt); err != nil {
			return fmt.Errorf("insert otp: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace otp: %w", err)
	}
	return nil
}

// HasLiveOTP reports whether an unverified, unexpired record matches exactly.
func (s *Store) HasLiveOTP(ctx context.Context, identifier, code string, purpose models.Purpose, now time.Time) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM otp_records
			WHERE identifier = $1 AND code = $2 AND purpose = $3
			  AND verified = FALSE AND expires_at >= $4
		)`
	var exists bool
	if err := s.db.QueryRow(ctx, query, identifier, code, string(purpose), now).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup otp: %w", err)
	}
	return exists, nil
}

// MarkOTPVerified flips the record matching the HasLiveOTP predicate.
func (s *Store) MarkOTPVerified(ctx context.Context, identifier, code string, purpose models.Purpose, now time.Time) (bool, error) {
	const query = `
		UPDATE otp_records SET verified = TRUE
		WHERE identifier = $1 AND code = $2 AND purpose = $3
		  AND verified = FALSE AND expires_at >= $4`
	tag, err := s.db.Exec(ctx, query, identifier, code, string(purpose), now)
	if err != nil {
		return false, fmt.Errorf("mark otp verified: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ConsumeVerifiedOTP deletes unexpired verified records for (identifier, purpose).
func (s *Store) ConsumeVerifiedOTP(ctx context.Context, identifier string, purpose models.Purpose, now time.Time) (bool, error) {
	const query = `
		DELETE FROM otp_records
		WHERE identifier = $1 AND purpose = $2
		  AND verified = TRUE AND expires_at >= $3`
	tag, err := s.db.Exec(ctx, query, identifier, string(purpose), now)
	if err != nil {
		return false, fmt.Errorf("consume verified otp: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// withTx runs fn in a transaction, committing on success and rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(tx)
	return err
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Email, &user.Phone, &user.PasswordHash, &user.FullName, &user.Role, &user.IsVerified, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, storage.ErrNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
