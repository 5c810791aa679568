package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/metrics"
)

// GitHub signs payloads, GitLab sends a static token.
const (
	HeaderGitHubSignature = "X-Hub-Signature-256"
	HeaderGitLabToken     = "X-Gitlab-Token"
)

// WebhookHMAC returns middleware that validates HMAC-SHA256 webhook
// signatures carried in the given header. The secret is read per request so
// rotation applies immediately; an empty secret disables verification.
// Failed verification returns 401 and counts against the unauthorized
// webhook metric.
func WebhookHMAC(secret func() string, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := secret()
			if want == "" {
				next.ServeHTTP(w, r)
				return
			}

			sig := r.Header.Get(header)
			if sig == "" {
				metrics.WebhookUnauthorized.Inc()
				http.Error(w, "missing webhook signature", http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !verifyHMAC(body, sig, want) {
				metrics.WebhookUnauthorized.Inc()
				http.Error(w, "invalid webhook signature", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// verifyHMAC checks an HMAC-SHA256 signature. Supports both raw hex and
// "sha256=<hex>" prefix formats (GitHub style).
func verifyHMAC(payload []byte, signature, secret string) bool {
	sig := strings.TrimPrefix(signature, "sha256=")
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	return hmac.Equal(sigBytes, expected)
}

// WebhookToken returns middleware that validates a static token header
// (GitLab style). The token is read per request; an empty token disables
// verification. Mismatches return 401 and count against the unauthorized
// webhook metric.
func WebhookToken(token func() string, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := token()
			if want == "" {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get(header)
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				metrics.WebhookUnauthorized.Inc()
				http.Error(w, "invalid webhook token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
