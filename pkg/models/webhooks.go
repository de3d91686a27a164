package models

import "time"

// ── Webhook subscriptions ────────────────────────────────────

// RetryPolicy controls how failed deliveries are rescheduled.
type RetryPolicy struct {
	MaxAttempts    int    `json:"max_attempts"`
	BackoffSeconds []int  `json:"backoff_seconds"`
	DeadLetterURI  string `json:"dead_letter_uri,omitempty"`
}

// DefaultRetryPolicy is applied when a subscription does not set one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BackoffSeconds: []int{30, 60, 120},
	}
}

// Normalized fills zero fields with defaults.
func (p RetryPolicy) Normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if len(p.BackoffSeconds) == 0 {
		p.BackoffSeconds = def.BackoffSeconds
	}
	return p
}

// BackoffFor returns the delay before the next attempt, given the number of
// attempts already made (including the one that just failed).
// Index clamps to the last configured step.
func (p RetryPolicy) BackoffFor(attemptCount int) time.Duration {
	p = p.Normalized()
	idx := attemptCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.BackoffSeconds) {
		idx = len(p.BackoffSeconds) - 1
	}
	return time.Duration(p.BackoffSeconds[idx]) * time.Second
}

// MayRetry reports whether another attempt is allowed after attemptCount
// attempts have been made.
func (p RetryPolicy) MayRetry(attemptCount int) bool {
	return attemptCount < p.Normalized().MaxAttempts
}

// WebhookSubscription is a standing registration of a target URL for a set
// of event types. EventTypes is non-empty and deduplicated at validation.
type WebhookSubscription struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"org_id,omitempty"`
	EventTypes  []string          `json:"event_types"`
	TargetURL   string            `json:"target_url"`
	Secret      string            `json:"secret"`
	Headers     map[string]string `json:"headers,omitempty"`
	RetryPolicy RetryPolicy       `json:"retry_policy"`
	Active      bool              `json:"active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Matches reports whether the subscription wants the given event type.
// "*" subscribes to everything.
func (s *WebhookSubscription) Matches(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

// ── Webhook deliveries ───────────────────────────────────────

// DeliveryStatus is the state of one delivery row.
type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "pending"
	DeliveryDelivering   DeliveryStatus = "delivering"
	DeliverySucceeded    DeliveryStatus = "succeeded"
	DeliveryFailed       DeliveryStatus = "failed"
	DeliveryDeadLettered DeliveryStatus = "dead_lettered"
)

// Terminal reports whether the status admits no further transitions.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySucceeded || s == DeliveryDeadLettered
}

// DeliveryResponse captures the upstream HTTP response of an attempt.
type DeliveryResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// WebhookDelivery is one scheduled attempt chain to deliver one event to
// one subscription. attempt_count is monotonic; succeeded and dead_lettered
// are terminal; delivering is transient and must be left within one attempt.
type WebhookDelivery struct {
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscription_id"`
	EventID        string            `json:"event_id"`
	Status         DeliveryStatus    `json:"status"`
	AttemptCount   int               `json:"attempt_count"`
	LastAttemptAt  *time.Time        `json:"last_attempt_at,omitempty"`
	NextAttemptAt  *time.Time        `json:"next_attempt_at,omitempty"`
	Payload        map[string]any    `json:"payload"`
	Response       *DeliveryResponse `json:"response,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
