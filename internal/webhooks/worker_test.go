package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-iam/catalyst/internal/config"
	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

func testWebhookConfig() config.WebhookConfig {
	return config.WebhookConfig{
		PollInterval:   time.Second,
		BatchLimit:     50,
		RequestTimeout: 5 * time.Second,
		StaleClaimAge:  5 * time.Minute,
		Concurrency:    4,
	}
}

func newTestWorker(t *testing.T) (*Worker, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewWorker(s, NewSender(5*time.Second), testWebhookConfig()), s
}

func seedSubscription(t *testing.T, s *store.MemoryStore, targetURL string) *models.WebhookSubscription {
	t.Helper()
	sub, err := s.CreateSubscription(context.Background(), &models.WebhookSubscription{
		ID:         "sub-1",
		EventTypes: []string{"user.created", "key.revoked"},
		TargetURL:  targetURL,
		Secret:     "whsec_test",
		Active:     true,
	})
	require.NoError(t, err)
	return sub
}

func TestWorkerDeliversAndSigns(t *testing.T) {
	var gotSignature, gotEventID, gotSubID, gotAttempt atomic.Value
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSignature.Store(r.Header.Get("x-catalyst-signature"))
		gotEventID.Store(r.Header.Get("x-catalyst-event-id"))
		gotSubID.Store(r.Header.Get("x-catalyst-subscription-id"))
		gotAttempt.Store(r.Header.Get("x-catalyst-attempt"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	worker, s := newTestWorker(t)
	seedSubscription(t, s, server.URL)
	ctx := context.Background()

	dispatcher := NewDispatcher(s)
	deliveries, err := dispatcher.Dispatch(ctx, &models.Event{
		Type: "user.created",
		Data: map[string]any{"user_id": "u-1"},
	})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	summary, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)

	// The signature must verify against the exact body the receiver saw.
	body := gotBody.Load().([]byte)
	assert.Equal(t, Sign("whsec_test", body), gotSignature.Load().(string))
	assert.NotEmpty(t, gotEventID.Load().(string))
	assert.Equal(t, "sub-1", gotSubID.Load().(string))
	assert.Equal(t, "1", gotAttempt.Load().(string))

	final, err := s.GetDelivery(ctx, deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySucceeded, final.Status)
	assert.Equal(t, 1, final.AttemptCount)
	require.NotNil(t, final.Response)
	assert.Equal(t, http.StatusOK, final.Response.Status)
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	worker, s := newTestWorker(t)
	seedSubscription(t, s, server.URL)
	ctx := context.Background()

	base := time.Now().UTC()
	clock := base
	worker.now = func() time.Time { return clock }

	deliveries, err := NewDispatcher(s).Dispatch(ctx, &models.Event{Type: "key.revoked"})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	id := deliveries[0].ID

	// Attempt 1 fails and reschedules 30s out.
	summary, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)

	row, err := s.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, row.Status)
	require.NotNil(t, row.NextAttemptAt)
	assert.Equal(t, clock.Add(30*time.Second), *row.NextAttemptAt)

	// Before the backoff elapses nothing is due.
	clock = base.Add(10 * time.Second)
	summary, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)

	// Attempt 2 at +30s fails and reschedules 60s out.
	clock = base.Add(31 * time.Second)
	summary, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)

	row, err = s.GetDelivery(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, row.NextAttemptAt)
	assert.Equal(t, clock.Add(60*time.Second), *row.NextAttemptAt)

	// Attempt 3 exhausts the policy.
	clock = clock.Add(61 * time.Second)
	summary, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DeadLettered)

	row, err = s.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDeadLettered, row.Status)
	assert.Equal(t, 3, row.AttemptCount)
	assert.Nil(t, row.NextAttemptAt)
	assert.Equal(t, "HTTP 500", row.ErrorMessage)
	assert.Equal(t, int32(3), hits.Load())

	// Terminal rows never re-enter the queue.
	clock = clock.Add(time.Hour)
	summary, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}

func TestWorkerDeadLettersWhenSubscriptionDisabled(t *testing.T) {
	worker, s := newTestWorker(t)
	sub := seedSubscription(t, s, "http://127.0.0.1:1/unreachable")
	ctx := context.Background()

	deliveries, err := NewDispatcher(s).Dispatch(ctx, &models.Event{Type: "user.created"})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	sub.Active = false
	_, err = s.UpdateSubscription(ctx, sub)
	require.NoError(t, err)

	summary, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DeadLettered)

	row, err := s.GetDelivery(ctx, deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Webhook subscription is inactive.", row.ErrorMessage)
}

func TestDispatcherScopesAndWildcards(t *testing.T) {
	_, s := newTestWorker(t)
	ctx := context.Background()

	mustSub := func(sub models.WebhookSubscription) {
		_, err := s.CreateSubscription(ctx, &sub)
		require.NoError(t, err)
	}
	mustSub(models.WebhookSubscription{
		ID: "sub-global", EventTypes: []string{"*"},
		TargetURL: "https://a.example/hook", Secret: "s1", Active: true,
	})
	mustSub(models.WebhookSubscription{
		ID: "sub-org", OrgID: "o-1", EventTypes: []string{"user.created"},
		TargetURL: "https://b.example/hook", Secret: "s2", Active: true,
	})
	mustSub(models.WebhookSubscription{
		ID: "sub-other-org", OrgID: "o-2", EventTypes: []string{"user.created"},
		TargetURL: "https://c.example/hook", Secret: "s3", Active: true,
	})
	mustSub(models.WebhookSubscription{
		ID: "sub-inactive", EventTypes: []string{"user.created"},
		TargetURL: "https://d.example/hook", Secret: "s4", Active: false,
	})

	deliveries, err := NewDispatcher(s).Dispatch(ctx, &models.Event{
		Type:  "user.created",
		OrgID: "o-1",
	})
	require.NoError(t, err)

	targets := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		targets = append(targets, d.SubscriptionID)
	}
	assert.ElementsMatch(t, []string{"sub-global", "sub-org"}, targets)
}

func TestWorkerReleasesStaleClaims(t *testing.T) {
	worker, s := newTestWorker(t)
	seedSubscription(t, s, "http://127.0.0.1:1/unreachable")
	ctx := context.Background()

	base := time.Now().UTC()
	s.SetClock(func() time.Time { return base.Add(-10 * time.Minute) })

	deliveries, err := NewDispatcher(s).Dispatch(ctx, &models.Event{Type: "user.created"})
	require.NoError(t, err)

	// Simulate a worker that claimed ten minutes ago and crashed.
	claimed, err := s.ClaimDelivery(ctx, deliveries[0].ID, base.Add(-10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)

	s.SetClock(func() time.Time { return base })
	summary, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Released)
}
