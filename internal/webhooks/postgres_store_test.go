package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/perimeter/internal/sentinel"
	"github.com/mbd888/perimeter/internal/testutil"
)

func TestPostgresStore_CRUD(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sub := &Subscription{
		ID:            "wh_pg1",
		URL:           "https://example.com/alerts",
		Secret:        "s3cret",
		Severities:    []sentinel.Severity{sentinel.SeverityHigh},
		ActivityTypes: []sentinel.ActivityType{sentinel.ActivityEndpointScanning},
		Active:        true,
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, "wh_pg1")
	require.NoError(t, err)
	assert.Equal(t, sub.URL, got.URL)
	assert.Equal(t, sub.Secret, got.Secret)
	assert.Equal(t, sub.Severities, got.Severities)
	assert.Equal(t, sub.ActivityTypes, got.ActivityTypes)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastSuccess)
	assert.Empty(t, got.LastError)

	// Update delivery state.
	now := time.Now().UTC().Truncate(time.Microsecond)
	got.LastSuccess = &now
	got.LastError = "temporary failure"
	got.Active = false
	require.NoError(t, store.Update(ctx, got))

	got, err = store.Get(ctx, "wh_pg1")
	require.NoError(t, err)
	require.NotNil(t, got.LastSuccess)
	assert.Equal(t, "temporary failure", got.LastError)
	assert.False(t, got.Active)

	subs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, store.Delete(ctx, "wh_pg1"))
	_, err = store.Get(ctx, "wh_pg1")
	assert.Error(t, err)
}
