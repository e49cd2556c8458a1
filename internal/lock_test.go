package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonthLockKey(t *testing.T) {
	t.Parallel()

	key, err := monthLockKey(1900, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(190001), key)

	key, err = monthLockKey(2099, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(209912), key)

	for _, bad := range [][2]int{{1899, 1}, {2100, 1}, {2020, 0}, {2020, 13}} {
		_, err := monthLockKey(bad[0], bad[1])
		assert.Error(t, err)
		assert.True(t, isValidation(err))
	}
}

func TestMemLockerExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := newMemLocker()

	acquired, err := l.AcquireMonthLock(ctx, 2020, 1)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Second acquisition of the same month fails; a different month is fine.
	acquired, err = l.AcquireMonthLock(ctx, 2020, 1)
	require.NoError(t, err)
	assert.False(t, acquired)

	acquired, err = l.AcquireMonthLock(ctx, 2020, 2)
	require.NoError(t, err)
	assert.True(t, acquired)

	held, err := l.ReleaseMonthLock(ctx, 2020, 1)
	require.NoError(t, err)
	assert.True(t, held)

	// Release is idempotent.
	held, err = l.ReleaseMonthLock(ctx, 2020, 1)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestWithMonthLockReleasesOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := newMemLocker()
	boom := errors.New("boom")

	err := l.WithMonthLock(ctx, 2020, 1, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	// The lock was released despite the failure.
	acquired, err := l.AcquireMonthLock(ctx, 2020, 1)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestWithMonthLockTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := newMemLocker()
	acquired, err := l.AcquireMonthLock(ctx, 2020, 1)
	require.NoError(t, err)
	require.True(t, acquired)

	err = l.WithMonthLock(ctx, 2020, 1, func(context.Context) error { return nil })
	var timeout *lockTimeoutError
	assert.ErrorAs(t, err, &timeout)
	assert.Equal(t, 2020, timeout.year)
	assert.Equal(t, 1, timeout.month)
}
