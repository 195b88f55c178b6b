// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package credits

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookValidSignature(t *testing.T) {
	repo := NewMockRepository()
	cache := NewCache(repo, nil, 0)
	secret := []byte("webhook-secret")
	handler := WebhookHandler(cache, secret)

	body := []byte(`{"user_id":"user-1","api_credits":20,"cap":20}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign(body, secret))

	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	b, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, b.CreditsUSD)
	assert.Equal(t, 20.0, b.CapUSD)
}

// TestWebhookBadSignature verifies rejection happens before any state
// mutation.
func TestWebhookBadSignature(t *testing.T) {
	repo := NewMockRepository()
	cache := NewCache(repo, nil, 0)
	handler := WebhookHandler(cache, []byte("webhook-secret"))

	body := []byte(`{"user_id":"user-1","api_credits":9999,"cap":9999}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign(body, []byte("wrong-secret")))

	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, err := cache.Get(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrBalanceNotFound, "ledger must be untouched after a rejected webhook")
}

func TestWebhookMissingSignature(t *testing.T) {
	repo := NewMockRepository()
	cache := NewCache(repo, nil, 0)
	handler := WebhookHandler(cache, []byte("webhook-secret"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook",
		bytes.NewReader([]byte(`{"user_id":"user-1","api_credits":1}`)))

	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("s")
	body := []byte("payload")

	assert.NoError(t, VerifySignature(body, sign(body, secret), secret))
	assert.ErrorIs(t, VerifySignature(body, "", secret), ErrInvalidWebhookSignature)
	assert.ErrorIs(t, VerifySignature(body, "zz-not-hex", secret), ErrInvalidWebhookSignature)
	assert.ErrorIs(t, VerifySignature(body, sign([]byte("other"), secret), secret), ErrInvalidWebhookSignature)
}
