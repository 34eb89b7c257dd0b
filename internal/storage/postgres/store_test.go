package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hongminglow/venue-auth/internal/models"
	"github.com/hongminglow/venue-auth/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userCols = []string{"id", "email", "phone", "password_hash", "full_name", "role", "is_verified", "created_at"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return newWithConn(mock), mock
}

func TestReplaceOTPRunsInOneTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	expires := time.Date(2025, 1, 1, 10, 10, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs("a@x.com:signup").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`DELETE FROM otp_records`).WithArgs("a@x.com", "signup").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO otp_records`).WithArgs("a@x.com", "123456", "signup", expires).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.ReplaceOTP(context.Background(), models.OTPRecord{
		Identifier: "a@x.com",
		Code:       "123456",
		Purpose:    models.PurposeSignup,
		ExpiresAt:  expires,
	})
	require.NoError(t, err)
}

func TestReplaceOTPRollsBackWhenInsertFails(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs("+15550001111:login").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`DELETE FROM otp_records`).WithArgs("+15550001111", "login").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO otp_records`).WithArgs("+15550001111", "654321", "login", pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.ReplaceOTP(context.Background(), models.OTPRecord{
		Identifier: "+15550001111",
		Code:       "654321",
		Purpose:    models.PurposeLogin,
		ExpiresAt:  time.Now().Add(10 * time.Minute),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert otp")
}

func TestHasLiveOTPPassesClock(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("a@x.com", "123456", "signup", now).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.HasLiveOTP(context.Background(), "a@x.com", "123456", models.PurposeSignup, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkOTPVerifiedReportsRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE otp_records SET verified = TRUE`).WithArgs("a@x.com", "123456", "reset", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE otp_records SET verified = TRUE`).WithArgs("a@x.com", "123456", "reset", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	first, err := store.MarkOTPVerified(context.Background(), "a@x.com", "123456", models.PurposeReset, now)
	require.NoError(t, err)
	second, err := store.MarkOTPVerified(context.Background(), "a@x.com", "123456", models.PurposeReset, now)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestConsumeVerifiedOTPDeletesOnlyUnexpired(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`DELETE FROM otp_records`).WithArgs("a@x.com", "signup", now).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM otp_records`).WithArgs("a@x.com", "signup", now).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	first, err := store.ConsumeVerifiedOTP(context.Background(), "a@x.com", models.PurposeSignup, now)
	require.NoError(t, err)
	second, err := store.ConsumeVerifiedOTP(context.Background(), "a@x.com", models.PurposeSignup, now)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(pgxmock.AnyArg(), "a@x.com", "", "hash", "Ann", models.RoleRegular, true).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := store.CreateUser(context.Background(), models.User{
		Email:        "a@x.com",
		PasswordHash: "hash",
		FullName:     "Ann",
		IsVerified:   true,
	})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM users WHERE email = \$1`).WithArgs("a@x.com").
		WillReturnRows(pgxmock.NewRows(userCols).
			AddRow("2b1c7a58-7a4f-4d53-9a36-0c2b0f1c9a11", "a@x.com", "", "hash", "Ann", "regular", true, created))
	mock.ExpectQuery(`FROM users WHERE email = \$1`).WithArgs("missing@x.com").
		WillReturnError(pgx.ErrNoRows)

	user, err := store.FindByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Ann", user.FullName)
	assert.True(t, user.HasPassword())
	assert.Equal(t, created, user.CreatedAt)

	_, err = store.FindByEmail(context.Background(), "missing@x.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetInitialPasswordRefusesExistingPassword(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`ON CONFLICT \(email\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "a@x.com", "", "hash", models.RoleRegular).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.SetInitialPassword(context.Background(), "a@x.com", "hash", "")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestUpdatePasswordHashNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE users SET password_hash`).WithArgs("ghost@x.com", "hash").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdatePasswordHash(context.Background(), "ghost@x.com", "hash")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindOrCreateFederatedReturnsRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`ON CONFLICT \(email\) DO UPDATE SET email = EXCLUDED.email`).
		WithArgs(pgxmock.AnyArg(), "g@x.com", "Gee", models.RoleRegular).
		WillReturnRows(pgxmock.NewRows(userCols).
			AddRow("7d0f3d2e-5a55-4c1e-8d0e-3f7b6a1b2c3d", "g@x.com", "", "", "Gee", "regular", true, time.Now()))

	user, err := store.FindOrCreateFederated(context.Background(), "g@x.com", "Gee", models.RoleRegular)
	require.NoError(t, err)
	assert.Equal(t, "7d0f3d2e-5a55-4c1e-8d0e-3f7b6a1b2c3d", user.ID)
	assert.False(t, user.HasPassword())
}
