package status_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-gateway/internal/cache"
	"notification-gateway/internal/logging"
	"notification-gateway/internal/payload"
	"notification-gateway/internal/status"
)

func sampleRecord(t *testing.T) status.Record {
	t.Helper()

	variables, err := payload.FromPairs("name", "Ada", "link", "https://example.com/verify")
	require.NoError(t, err)

	return status.Record{
		NotificationID: "n-1",
		Status:         status.StateQueued,
		Type:           status.TypeEmail,
		UserID:         "u1",
		Recipient:      "ada@example.com",
		TemplateCode:   "welcome",
		SubmittedAt:    time.Date(2025, 11, 12, 10, 30, 0, 0, time.UTC),
		RequestID:      "k1",
		Variables:      variables,
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	record := sampleRecord(t)
	at := time.Date(2025, 11, 12, 11, 0, 0, 0, time.UTC)
	update := status.Update{NotificationID: "n-1", Status: status.StateDelivered, Timestamp: &at}

	once := record.Apply(update, time.Now())
	twice := once.Apply(update, time.Now())

	assert.Equal(t, once, twice)
	assert.Equal(t, status.StateDelivered, once.Status)
	assert.Equal(t, at, *once.UpdatedAt)
	assert.Equal(t, record.TemplateCode, once.TemplateCode)
}

func TestApplyKeepsErrorWhenUpdateHasNone(t *testing.T) {
	t.Parallel()

	record := sampleRecord(t)
	record.Error = "smtp timeout"
	now := time.Date(2025, 11, 12, 12, 0, 0, 0, time.UTC)

	updated := record.Apply(status.Update{NotificationID: "n-1", Status: status.StateFailed}, now)

	assert.Equal(t, "smtp timeout", updated.Error)
	assert.Equal(t, now, *updated.UpdatedAt)
}

func TestUpdateUnmarshalAcceptsBothSpellings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "snake case", body: `{"notification_id":"n-1","status":"delivered","timestamp":"2025-11-12T10:30:00Z"}`},
		{name: "camel case", body: `{"notificationId":"n-1","status":"delivered","timestamp":"2025-11-12T10:30:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var update status.Update
			require.NoError(t, json.Unmarshal([]byte(tt.body), &update))
			require.NoError(t, update.Validate())
			assert.Equal(t, "n-1", update.NotificationID)
			assert.Equal(t, status.StateDelivered, update.Status)
			require.NotNil(t, update.Timestamp)
		})
	}
}

func TestUpdateValidate(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, status.Update{Status: status.StateDelivered}.Validate(), status.ErrMissingNotificationID)
	assert.ErrorIs(t, status.Update{NotificationID: "n", Status: "pending"}.Validate(), status.ErrInvalidState)
}

func TestParseType(t *testing.T) {
	t.Parallel()

	kind, err := status.ParseType("push")
	require.NoError(t, err)
	assert.Equal(t, status.TypePush, kind)

	_, err = status.ParseType("sms")
	assert.ErrorIs(t, err, status.ErrInvalidType)
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := status.NewStore(cache.NewMemoryCache(), 0, logging.Discard())
	assert.Equal(t, 24*time.Hour, store.TTL())

	missing, err := store.Get(ctx, "n-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	record := sampleRecord(t)
	require.NoError(t, store.Save(ctx, record))

	loaded, err := store.Get(ctx, "n-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	want, err := json.Marshal(record)
	require.NoError(t, err)
	got, err := json.Marshal(loaded)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestStoreIndexKeepsSubmissionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := status.NewStore(cache.NewMemoryCache(), time.Hour, logging.Discard())

	ids, err := store.Index(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.AppendToIndex(ctx, "u1", id))
	}

	ids, err = store.Index(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestStoreCorruptData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := cache.NewMemoryCache()
	store := status.NewStore(backend, time.Hour, logging.Discard())

	require.NoError(t, backend.Set(ctx, status.StatusKey("n-1"), []byte("not json"), time.Hour))
	_, err := store.Get(ctx, "n-1")
	assert.ErrorIs(t, err, status.ErrCorruptRecord)

	require.NoError(t, backend.Set(ctx, status.UserIndexKey("u1"), []byte("{}"), time.Hour))
	_, err = store.Index(ctx, "u1")
	assert.ErrorIs(t, err, status.ErrCorruptRecord)
}

func TestKeyConventions(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "status_n-1", status.StatusKey("n-1"))
	assert.Equal(t, "user_u1_notifications", status.UserIndexKey("u1"))
}
