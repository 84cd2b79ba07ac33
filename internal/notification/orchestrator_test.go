package notification_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-gateway/internal/cache"
	"notification-gateway/internal/directory"
	"notification-gateway/internal/idempotency"
	"notification-gateway/internal/logging"
	"notification-gateway/internal/notification"
	"notification-gateway/internal/payload"
	"notification-gateway/internal/queue"
	"notification-gateway/internal/status"
)

// ==================== fakes ====================

type published struct {
	routingKey string
	payload    []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	nack     bool
	err      error
}

func (publisher *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) (bool, error) {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if publisher.err != nil {
		return false, publisher.err
	}
	if publisher.nack {
		return false, nil
	}
	publisher.messages = append(publisher.messages, published{routingKey: routingKey, payload: body})
	return true, nil
}

func (publisher *fakePublisher) Close() error { return nil }

func (publisher *fakePublisher) sent(routingKey string) []published {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	var matches []published
	for _, message := range publisher.messages {
		if message.routingKey == routingKey {
			matches = append(matches, message)
		}
	}
	return matches
}

type fakeDirectory struct {
	users     map[string]directory.User
	templates map[string]directory.Template
}

func (fake *fakeDirectory) GetUser(_ context.Context, userID string) (directory.User, error) {
	user, ok := fake.users[userID]
	if !ok {
		return directory.User{}, directory.ErrUserNotFound
	}
	return user, nil
}

func (fake *fakeDirectory) GetTemplate(_ context.Context, code string) (directory.Template, error) {
	template, ok := fake.templates[code]
	if !ok {
		return directory.Template{}, directory.ErrTemplateNotFound
	}
	return template, nil
}

type failingCache struct{ cache.Cache }

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, cache.ErrUnavailable
}

// ==================== fixture ====================

type fixture struct {
	orchestrator *notification.Orchestrator
	publisher    *fakePublisher
	directory    *fakeDirectory
	statuses     *status.Store
	keys         *idempotency.Store
	now          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	backend := cache.NewMemoryCache()
	logger := logging.Discard()
	fx := &fixture{
		publisher: &fakePublisher{},
		directory: &fakeDirectory{
			users: map[string]directory.User{
				"u1": {ID: "u1", Email: "u1@example.com", Preferences: directory.Preferences{AllowEmail: false, AllowPush: true}},
				"u2": {ID: "u2", Email: "u2@example.com", PushToken: "tok-2", Preferences: directory.Preferences{AllowEmail: true, AllowPush: true}},
			},
			templates: map[string]directory.Template{
				"welcome": {Code: "welcome", Subject: "Welcome aboard", Body: "Hi {{name}}"},
			},
		},
		statuses: status.NewStore(backend, time.Hour, logger),
		keys:     idempotency.NewStore(backend, time.Hour),
		now:      time.Date(2025, 11, 12, 9, 0, 0, 0, time.UTC),
	}

	sequence := 0
	fx.orchestrator = notification.New(notification.Dependencies{
		Statuses:    fx.statuses,
		Idempotency: fx.keys,
		Publisher:   fx.publisher,
		Users:       fx.directory,
		Templates:   fx.directory,
	}, logger,
		notification.WithClock(func() time.Time { return fx.now }),
		notification.WithIDGenerator(func() string {
			sequence++
			return fmt.Sprintf("n-%d", sequence)
		}),
		notification.WithCallTimeout(time.Second),
	)

	return fx
}

func emailRequest(userID string) notification.Request {
	return notification.Request{
		Type:         status.TypeEmail,
		UserID:       userID,
		Email:        userID + "@example.com",
		TemplateCode: "welcome",
	}
}

// ==================== submit ====================

func TestSubmitReplaysIdempotentRequest(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.orchestrator.Submit(ctx, emailRequest("u2"), "k1")
	require.NoError(t, err)
	assert.Equal(t, status.StateQueued, first.Status)
	assert.Equal(t, "k1", first.RequestID)

	second, err := fx.orchestrator.Submit(ctx, emailRequest("u2"), "k1")
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))

	assert.Len(t, fx.publisher.sent(queue.RoutingKeyEmail), 1)

	ids, err := fx.statuses.Index(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{first.NotificationID}, ids)
}

func TestSubmitPublishesEmailJob(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	request := emailRequest("u2")
	request.Variables, _ = payload.FromPairs("name", "Ada")

	record, err := fx.orchestrator.Submit(context.Background(), request, "k-email")
	require.NoError(t, err)

	sent := fx.publisher.sent(queue.RoutingKeyEmail)
	require.Len(t, sent, 1)

	var job map[string]any
	require.NoError(t, json.Unmarshal(sent[0].payload, &job))
	assert.Equal(t, record.NotificationID, job["notification_id"])
	assert.Equal(t, "email", job["notification_type"])
	assert.Equal(t, "u2@example.com", job["email"])
	assert.Equal(t, "Welcome aboard", job["subject"])
	assert.EqualValues(t, 1, job["priority"])
	assert.Equal(t, map[string]any{"name": "Ada"}, job["variables"])
}

func TestSubmitPublishesPushJobWithDefaults(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	request := notification.Request{Type: status.TypePush, UserID: "u2", TemplateCode: "welcome", Priority: 3}

	_, err := fx.orchestrator.Submit(context.Background(), request, "k-push")
	require.NoError(t, err)

	sent := fx.publisher.sent(queue.RoutingKeyPush)
	require.Len(t, sent, 1)

	var job map[string]any
	require.NoError(t, json.Unmarshal(sent[0].payload, &job))
	assert.Equal(t, "tok-2", job["push_token"])
	assert.EqualValues(t, 3, job["priority"])
	assert.Equal(t, map[string]any{"name": "User", "link": "https://example.com", "meta": map[string]any{}}, job["variables"])
}

func TestSubmitRollsBackWhenPreferenceDisallows(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.orchestrator.Submit(ctx, emailRequest("u1"), "k1")
	require.Error(t, err)
	assert.Equal(t, notification.KindValidation, notification.KindOf(err))
	assert.Equal(t, notification.MessageEmailDisabled, notification.MessageOf(err))
	assert.Empty(t, fx.publisher.sent(queue.RoutingKeyEmail))

	failedID := notification.NotificationIDOf(err)
	require.Equal(t, "n-1", failedID, "rejected submission reports the failed record id")

	record, err := fx.orchestrator.GetStatus(ctx, failedID)
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, record.Status)
	assert.Equal(t, notification.MessageEmailDisabled, record.Error)

	replay, err := fx.keys.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, replay, "idempotency key must be released")

	fx.directory.users["u1"] = directory.User{ID: "u1", Preferences: directory.Preferences{AllowEmail: true}}
	retried, err := fx.orchestrator.Submit(ctx, emailRequest("u1"), "k1")
	require.NoError(t, err)
	assert.Equal(t, "n-2", retried.NotificationID, "retry with the same key is a fresh submission")
	assert.Len(t, fx.publisher.sent(queue.RoutingKeyEmail), 1)
}

func TestSubmitErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		request  notification.Request
		setup    func(fx *fixture)
		wantKind notification.Kind
		wantMsg  string
	}{
		{
			name:     "unknown user",
			request:  emailRequest("ghost"),
			wantKind: notification.KindNotFound,
			wantMsg:  notification.MessageUserNotFound,
		},
		{
			name:     "unknown template",
			request:  notification.Request{Type: status.TypeEmail, UserID: "u2", TemplateCode: "missing"},
			wantKind: notification.KindNotFound,
			wantMsg:  notification.MessageTemplateAbsent,
		},
		{
			name:     "push disabled",
			request:  notification.Request{Type: status.TypePush, UserID: "u1", TemplateCode: "welcome"},
			setup:    func(fx *fixture) { fx.directory.users["u1"] = directory.User{ID: "u1"} },
			wantKind: notification.KindValidation,
			wantMsg:  notification.MessagePushDisabled,
		},
		{
			name:     "broker nack",
			request:  emailRequest("u2"),
			setup:    func(fx *fixture) { fx.publisher.nack = true },
			wantKind: notification.KindUpstreamUnavailable,
			wantMsg:  notification.MessageBrokerRejected,
		},
		{
			name:     "broker error",
			request:  emailRequest("u2"),
			setup:    func(fx *fixture) { fx.publisher.err = errors.New("channel closed") },
			wantKind: notification.KindUpstreamUnavailable,
			wantMsg:  notification.MessageBrokerFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t)
			if tt.setup != nil {
				tt.setup(fx)
			}

			_, err := fx.orchestrator.Submit(context.Background(), tt.request, "k1")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, notification.KindOf(err))
			assert.Equal(t, tt.wantMsg, notification.MessageOf(err))

			record, err := fx.orchestrator.GetStatus(context.Background(), "n-1")
			require.NoError(t, err)
			assert.Equal(t, status.StateFailed, record.Status)
			assert.Equal(t, tt.wantMsg, record.Error)
		})
	}
}

func TestSubmitRejectsInvalidRequestWithoutSideEffects(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	_, err := fx.orchestrator.Submit(context.Background(), notification.Request{Type: "sms", UserID: "u2", TemplateCode: "welcome"}, "k1")
	assert.Equal(t, notification.KindValidation, notification.KindOf(err))

	_, err = fx.orchestrator.Submit(context.Background(), emailRequest("u2"), "")
	assert.Equal(t, notification.KindValidation, notification.KindOf(err))

	_, err = fx.orchestrator.GetStatus(context.Background(), "n-1")
	assert.Equal(t, notification.KindNotFound, notification.KindOf(err))
}

func TestSubmitCacheUnavailable(t *testing.T) {
	t.Parallel()

	logger := logging.Discard()
	backend := failingCache{Cache: cache.NewMemoryCache()}
	orchestrator := notification.New(notification.Dependencies{
		Statuses:    status.NewStore(backend, time.Hour, logger),
		Idempotency: idempotency.NewStore(backend, time.Hour),
		Publisher:   &fakePublisher{},
		Users:       &fakeDirectory{},
		Templates:   &fakeDirectory{},
	}, logger)

	_, err := orchestrator.Submit(context.Background(), emailRequest("u2"), "k1")
	assert.Equal(t, notification.KindUpstreamUnavailable, notification.KindOf(err))

	_, err = orchestrator.GetStatus(context.Background(), "n-1")
	assert.Equal(t, notification.KindUpstreamUnavailable, notification.KindOf(err))
}

// ==================== acknowledgments ====================

func TestApplyAcknowledgmentIsIdempotent(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	record, err := fx.orchestrator.Submit(ctx, emailRequest("u2"), "k1")
	require.NoError(t, err)

	update := status.Update{NotificationID: record.NotificationID, Status: status.StateDelivered}
	fx.now = fx.now.Add(time.Minute)

	once, err := fx.orchestrator.ApplyAcknowledgment(ctx, update)
	require.NoError(t, err)
	twice, err := fx.orchestrator.ApplyAcknowledgment(ctx, update)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, status.StateDelivered, twice.Status)
	assert.Equal(t, fx.now, *twice.UpdatedAt)
	assert.Equal(t, record.SubmittedAt, twice.SubmittedAt)
	assert.Equal(t, record.TemplateCode, twice.TemplateCode)

	_, err = fx.orchestrator.ApplyAcknowledgment(ctx, status.Update{NotificationID: "unknown", Status: status.StateDelivered})
	assert.Equal(t, notification.KindNotFound, notification.KindOf(err))

	_, err = fx.orchestrator.ApplyAcknowledgment(ctx, status.Update{NotificationID: record.NotificationID, Status: "lost"})
	assert.Equal(t, notification.KindValidation, notification.KindOf(err))
}

func runReconcile(t *testing.T, fx *fixture) (chan queue.StatusDelivery, func()) {
	t.Helper()

	deliveries := make(chan queue.StatusDelivery)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.orchestrator.Reconcile(context.Background(), deliveries)
	}()

	return deliveries, func() {
		close(deliveries)
		<-done
	}
}

func deliver(deliveries chan<- queue.StatusDelivery, update status.Update) error {
	result := make(chan error, 1)
	deliveries <- queue.NewStatusDelivery(update, func(err error) { result <- err })
	return <-result
}

func TestReconcileAppliesUpdatesAndDropsUnknown(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	record, err := fx.orchestrator.Submit(ctx, emailRequest("u2"), "k1")
	require.NoError(t, err)

	deliveries, stop := runReconcile(t, fx)
	defer stop()

	assert.NoError(t, deliver(deliveries, status.Update{NotificationID: record.NotificationID, Status: status.StateProcessing}))
	assert.NoError(t, deliver(deliveries, status.Update{NotificationID: "expired", Status: status.StateDelivered}), "absent records are dropped, not retried")

	current, err := fx.orchestrator.GetStatus(ctx, record.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, status.StateProcessing, current.Status)
}

func TestReconcileRunsStepsInOrderAndIsolatesFailures(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	record, err := fx.orchestrator.Submit(ctx, emailRequest("u2"), "k1")
	require.NoError(t, err)

	var order []string
	failure := errors.New("webhook down")
	fx.orchestrator.OnAcknowledgment(func(context.Context, status.Update) error {
		order = append(order, "failing")
		return failure
	})
	fx.orchestrator.OnAcknowledgment(func(context.Context, status.Update) error {
		order = append(order, "panicking")
		panic("boom")
	})
	fx.orchestrator.OnAcknowledgment(func(context.Context, status.Update) error {
		order = append(order, "last")
		return nil
	})

	deliveries, stop := runReconcile(t, fx)
	defer stop()

	err = deliver(deliveries, status.Update{NotificationID: record.NotificationID, Status: status.StateBounced, Error: "mailbox full"})
	assert.ErrorIs(t, err, failure)
	assert.ErrorContains(t, err, "panicked")
	assert.Equal(t, []string{"failing", "panicking", "last"}, order)

	current, err := fx.orchestrator.GetStatus(ctx, record.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, status.StateBounced, current.Status)
	assert.Equal(t, "mailbox full", current.Error)
}

func TestReconcileStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})

	go func() {
		fx.orchestrator.Reconcile(ctx, make(chan queue.StatusDelivery))
		close(finished)
	}()
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("reconcile loop did not stop")
	}
}

func TestEmitStatusUpdate(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	emitted, err := fx.orchestrator.EmitStatusUpdate(context.Background(), status.Update{NotificationID: "n-9", Status: status.StateDelivered})
	require.NoError(t, err)
	require.NotNil(t, emitted.Timestamp)
	assert.Equal(t, fx.now, *emitted.Timestamp)

	sent := fx.publisher.sent(queue.RoutingKeyStatus)
	require.Len(t, sent, 1)
	decoded, err := queue.DecodeUpdate(sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "n-9", decoded.NotificationID)

	fx.publisher.nack = true
	_, err = fx.orchestrator.EmitStatusUpdate(context.Background(), status.Update{NotificationID: "n-9", Status: status.StateDelivered})
	assert.Equal(t, notification.KindUpstreamUnavailable, notification.KindOf(err))

	_, err = fx.orchestrator.EmitStatusUpdate(context.Background(), status.Update{Status: status.StateDelivered})
	assert.Equal(t, notification.KindValidation, notification.KindOf(err))
}

// ==================== listing ====================

func TestListByTypeFiltersAndPaginates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	var emails []string
	for index := range 5 {
		record, err := fx.orchestrator.Submit(ctx, emailRequest("u2"), fmt.Sprintf("email-%d", index))
		require.NoError(t, err)
		emails = append(emails, record.NotificationID)

		_, err = fx.orchestrator.Submit(ctx, notification.Request{Type: status.TypePush, UserID: "u2", TemplateCode: "welcome"}, fmt.Sprintf("push-%d", index))
		require.NoError(t, err)
	}
	require.NoError(t, fx.statuses.AppendToIndex(ctx, "u2", "expired-id"))

	var collected []string
	for page := 1; page <= 3; page++ {
		items, meta, err := fx.orchestrator.ListByType(ctx, "u2", status.TypeEmail, page, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, meta.Total)
		assert.Equal(t, 3, meta.TotalPages)
		assert.Equal(t, page < 3, meta.HasNext)
		assert.Equal(t, page > 1, meta.HasPrevious)
		for _, item := range items {
			assert.Equal(t, status.TypeEmail, item.Type)
			collected = append(collected, item.NotificationID)
		}
	}
	assert.Equal(t, emails, collected)

	items, meta, err := fx.orchestrator.ListByType(ctx, "nobody", status.TypePush, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 0, meta.TotalPages)
	assert.False(t, meta.HasNext)

	_, _, err = fx.orchestrator.ListByType(ctx, "u2", "sms", 1, 10)
	assert.Equal(t, notification.KindValidation, notification.KindOf(err))
}
