package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func pgErr(code string) error {
	return &pgconn.PgError{Code: code, Message: "boom"}
}

func TestTranslateSQLStates(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"55P03", ErrLockTimeout},
		{"40P01", ErrDeadlock},
		{"42501", ErrPermissionDenied},
		{"42P07", ErrDuplicateObject},
		{"42710", ErrDuplicateObject},
		{"57014", ErrTimeout},
		{"57P01", ErrConnectionLost},
		{"08006", ErrConnectionLost},
	}
	for _, tc := range cases {
		err := Translate(pgErr(tc.code))
		assert.ErrorIs(t, err, tc.want, "SQLSTATE %s", tc.code)
		// Driver detail survives the wrapping.
		var raw *pgconn.PgError
		assert.ErrorAs(t, err, &raw)
	}
}

func TestTranslatePassthrough(t *testing.T) {
	assert.NoError(t, Translate(nil))

	plain := errors.New("something else")
	assert.Equal(t, plain, Translate(plain))

	unknown := Translate(pgErr("23505"))
	assert.NotErrorIs(t, unknown, ErrDuplicateObject)
}

func TestTranslateDeadline(t *testing.T) {
	err := Translate(context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Translate(pgErr("55P03"))))
	assert.True(t, Retryable(Translate(pgErr("40P01"))))
	assert.True(t, Retryable(Translate(pgErr("08006"))))
	assert.True(t, Retryable(Translate(context.DeadlineExceeded)))

	assert.False(t, Retryable(Translate(pgErr("42501"))))
	assert.False(t, Retryable(Translate(pgErr("42P07"))))
	assert.False(t, Retryable(errors.New("other")))
	assert.False(t, Retryable(nil))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "lock-timeout", ErrorKind(Translate(pgErr("55P03"))))
	assert.Equal(t, "deadlock", ErrorKind(Translate(pgErr("40P01"))))
	assert.Equal(t, "connection-lost", ErrorKind(Translate(pgErr("08006"))))
	assert.Equal(t, "timeout", ErrorKind(Translate(context.DeadlineExceeded)))
	assert.Equal(t, "permission-denied", ErrorKind(Translate(pgErr("42501"))))
	assert.Equal(t, "duplicate-object", ErrorKind(Translate(pgErr("42P07"))))
	assert.Equal(t, "other", ErrorKind(errors.New("mystery")))
}
