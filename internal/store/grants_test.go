package store

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(context.Background(), ":memory:", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func testGrant(channelID string) *Grant {
	return &Grant{
		UserID:          7,
		ChannelID:       channelID,
		ChannelTitle:    "Test Channel",
		AccessSecret:    "enc-access",
		RefreshSecret:   "enc-refresh",
		TokenType:       "Bearer",
		ExpiresAt:       time.Now().Add(time.Hour),
		Scopes:          []string{"https://www.googleapis.com/auth/youtube.upload"},
		Active:          true,
		LastRefreshedAt: time.Now(),
	}
}

func TestGrantInsertAndGet(t *testing.T) {
	s := NewGrantStore(testDB(t), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	g := testGrant("UCabc")
	require.NoError(t, s.Insert(ctx, g))
	require.NotZero(t, g.ID)

	got, err := s.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "UCabc", got.ChannelID)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, "enc-access", got.AccessSecret)
	assert.Equal(t, g.Scopes, got.Scopes)
	assert.True(t, got.Active)
	assert.Zero(t, got.RefreshCount)
	assert.WithinDuration(t, g.ExpiresAt, got.ExpiresAt, time.Millisecond)
}

func TestGrantGetNotFound(t *testing.T) {
	s := NewGrantStore(testDB(t), slog.New(slog.DiscardHandler))

	_, err := s.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetActiveOrdersByRecency(t *testing.T) {
	s := NewGrantStore(testDB(t), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	older := testGrant("UCold")
	older.LastRefreshedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Insert(ctx, older))

	newer := testGrant("UCnew")
	require.NoError(t, s.Insert(ctx, newer))

	got, err := s.GetActive(ctx, 7, "")
	require.NoError(t, err)
	assert.Equal(t, "UCnew", got.ChannelID)

	got, err = s.GetActive(ctx, 7, "UCold")
	require.NoError(t, err)
	assert.Equal(t, "UCold", got.ChannelID)
}

func TestGetActiveSkipsInactive(t *testing.T) {
	s := NewGrantStore(testDB(t), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	g := testGrant("UCabc")
	g.Active = false
	require.NoError(t, s.Insert(ctx, g))

	_, err := s.GetActive(ctx, 7, "UCabc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOneActiveGrantPerChannel(t *testing.T) {
	s := NewGrantStore(testDB(t), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testGrant("UCabc")))

	// A second active grant for the same (user, channel) violates the
	// partial unique index.
	err := s.Insert(ctx, testGrant("UCabc"))
	assert.Error(t, err)

	// An inactive duplicate is allowed.
	dup := testGrant("UCabc")
	dup.Active = false
	assert.NoError(t, s.Insert(ctx, dup))
}

func TestGrantUpdate(t *testing.T) {
	s := NewGrantStore(testDB(t), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	g := testGrant("UCabc")
	require.NoError(t, s.Insert(ctx, g))

	g.AccessSecret = "enc-access-2"
	g.RefreshCount = 1
	g.ErrorMsg = ""
	require.NoError(t, s.Update(ctx, g))

	got, err := s.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc-access-2", got.AccessSecret)
	assert.Equal(t, 1, got.RefreshCount)
}

func TestGrantUpdateMissing(t *testing.T) {
	s := NewGrantStore(testDB(t), slog.New(slog.DiscardHandler))

	g := testGrant("UCabc")
	g.ID = 12345
	assert.ErrorIs(t, s.Update(context.Background(), g), ErrNotFound)
}

func TestListExpiring(t *testing.T) {
	s := NewGrantStore(testDB(t), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	soon := testGrant("UCsoon")
	soon.ExpiresAt = time.Now().Add(2 * time.Minute)
	require.NoError(t, s.Insert(ctx, soon))

	later := testGrant("UClater")
	later.ExpiresAt = time.Now().Add(3 * time.Hour)
	require.NoError(t, s.Insert(ctx, later))

	expiring, err := s.ListExpiring(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "UCsoon", expiring[0].ChannelID)
}

func TestRetentionSweep(t *testing.T) {
	s := NewGrantStore(testDB(t), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	stale := testGrant("UCstale")
	stale.Active = false
	require.NoError(t, s.Insert(ctx, stale))

	live := testGrant("UClive")
	require.NoError(t, s.Insert(ctx, live))

	// Cutoff in the future: the inactive grant is older than it.
	n, err := s.DeleteInactiveBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, live.ID)
	assert.NoError(t, err)
}
