// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package credits

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"clawgate/platform/shared/logger"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw webhook body
const SignatureHeader = "X-Billing-Signature"

// webhookPayload is the balance-setting half of the billing integration;
// checkout and invoice bookkeeping live with the payment provider.
type webhookPayload struct {
	UserID     string  `json:"user_id"`
	CreditsUSD float64 `json:"api_credits"`
	CapUSD     float64 `json:"cap"`
}

// WebhookHandler verifies the billing webhook signature and applies the new
// balance. Verification happens before any state mutation; a bad signature
// never touches the ledger.
func WebhookHandler(cache *Cache, secret []byte) http.HandlerFunc {
	log := logger.New("billing-webhook")

	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if err := VerifySignature(body, r.Header.Get(SignatureHeader), secret); err != nil {
			log.Warn("", "", "billing webhook rejected", map[string]interface{}{
				"error": err.Error(),
			})
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil || payload.UserID == "" {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		if err := cache.SetCredits(r.Context(), payload.UserID, payload.CreditsUSD, payload.CapUSD); err != nil {
			log.ErrorWithCode(payload.UserID, "", "failed to apply billing webhook", http.StatusInternalServerError, err, nil)
			http.Error(w, "failed to update balance", http.StatusInternalServerError)
			return
		}

		log.Info(payload.UserID, "", "credit balance updated by billing webhook", map[string]interface{}{
			"api_credits": payload.CreditsUSD,
			"cap":         payload.CapUSD,
		})

		w.WriteHeader(http.StatusOK)
	}
}

// VerifySignature checks the hex HMAC-SHA256 signature over body
func VerifySignature(body []byte, signature string, secret []byte) error {
	if signature == "" {
		return ErrInvalidWebhookSignature
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidWebhookSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidWebhookSignature
	}

	return nil
}
