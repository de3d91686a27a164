// Package webhooks delivers domain events to subscriber endpoints with
// HMAC-signed payloads, bounded retries and a dead-letter terminal state.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

const (
	headerSignature    = "x-catalyst-signature"
	headerEventID      = "x-catalyst-event-id"
	headerSubscription = "x-catalyst-subscription-id"
	headerAttempt      = "x-catalyst-attempt"

	responseBodyLimit = 16 << 10
)

// Sender performs one HTTP delivery attempt.
type Sender struct {
	client *http.Client
}

// NewSender builds a sender with the given per-request timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{Timeout: timeout},
	}
}

// Sign computes the payload signature: HMAC-SHA256 over the exact request
// body, rendered as "sha256=<hex>". Receivers recompute and compare.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send POSTs the delivery payload to the subscription target. Any 2xx is a
// success; everything else (including transport failures) is an attempt
// failure with whatever response detail was captured.
func (s *Sender) Send(ctx context.Context, sub *models.WebhookSubscription, delivery *models.WebhookDelivery) (*models.DeliveryResponse, error) {
	body, err := json.Marshal(delivery.Payload)
	if err != nil {
		return nil, cerrors.New(cerrors.CodeValidation, "webhook payload does not encode").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return nil, cerrors.New(cerrors.CodeValidation, "webhook target url is invalid").WithCause(err)
	}
	// Subscription headers first; the catalyst headers always win.
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEventID, delivery.EventID)
	req.Header.Set(headerSubscription, sub.ID)
	req.Header.Set(headerAttempt, strconv.Itoa(delivery.AttemptCount))
	req.Header.Set(headerSignature, Sign(sub.Secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, cerrors.Upstream("webhook endpoint unreachable", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	captured := &models.DeliveryResponse{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    string(raw),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return captured, cerrors.Infra(cerrors.CodeUpstream,
			fmt.Sprintf("webhook endpoint returned %d", resp.StatusCode), true)
	}
	return captured, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
