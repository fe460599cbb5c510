package notify

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.Options{
		SQLitePath: filepath.Join(t.TempDir(), "notify.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestSendDeliversAndLogs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var gotUser, gotMessage string
	n := New(db, func(ctx context.Context, userID, message string) {
		gotUser, gotMessage = userID, message
	}, nil)

	queueID := int64(5)
	n.Send(ctx, "alice", "Deployment #5 completed", EventDeployCompleted, &queueID)

	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "Deployment #5 completed", gotMessage)

	records, err := n.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, EventDeployCompleted, records[0].EventType)
	require.NotNil(t, records[0].QueueID)
	assert.Equal(t, queueID, *records[0].QueueID)
}

func TestSendWithoutHandlerStillLogs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	n := New(db, nil, nil)
	n.Send(ctx, "bob", "queued", EventQueueAdded, nil)

	records, err := n.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSendEmptyUserSkipsHandler(t *testing.T) {
	db := newTestDB(t)
	called := false
	n := New(db, func(ctx context.Context, userID, message string) { called = true }, nil)

	n.Send(context.Background(), "", "broadcast", EventScheduledJobDone, nil)
	assert.False(t, called)

	records, err := n.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecentNewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	n := New(db, nil, nil)

	n.Send(ctx, "a", "first", EventQueueAdded, nil)
	n.Send(ctx, "a", "second", EventQueueAdded, nil)
	n.Send(ctx, "a", "third", EventQueueAdded, nil)

	records, err := n.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "third", records[0].Message)
	assert.Equal(t, "second", records[1].Message)
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *Notifier
	n.Send(context.Background(), "a", "msg", EventQueueAdded, nil)
}
