package revenuecat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// authenticate accepts a bearer token equal to the webhook secret, or an
// HMAC-SHA256 signature of the body when enabled. The legacy transports are
// only consulted when explicitly turned on. Failures wrap
// billing.ErrInvalidWebhookSignature.
func (p *Provider) authenticate(r *http.Request, body []byte) error {
	if len(p.webhookSecret) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", billing.ErrInvalidWebhookSignature)
	}
	presented := false
	if token := bearerToken(r); token != "" {
		presented = true
		if p.matchesSecret(token) {
			return nil
		}
	}
	if p.acceptHMAC {
		if sig := strings.TrimSpace(r.Header.Get(signatureHeader)); sig != "" {
			presented = true
			if p.validSignature(sig, body) {
				return nil
			}
		}
	}
	if p.legacyTransport {
		if token := legacySecret(r); token != "" {
			presented = true
			if p.matchesSecret(token) {
				return nil
			}
		}
	}
	if !presented {
		return fmt.Errorf("%w: no credentials", billing.ErrInvalidWebhookSignature)
	}
	return fmt.Errorf("%w: credentials did not match", billing.ErrInvalidWebhookSignature)
}

func (p *Provider) matchesSecret(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), p.webhookSecret) == 1
}

// validSignature checks a hex or base64 encoded HMAC-SHA256 of body.
func (p *Provider) validSignature(sig string, body []byte) bool {
	sig = strings.TrimPrefix(sig, "sha256=")
	expected, err := hex.DecodeString(sig)
	if err != nil {
		expected, err = base64.StdEncoding.DecodeString(sig)
		if err != nil {
			return false
		}
	}
	mac := hmac.New(sha256.New, p.webhookSecret)
	if _, err := mac.Write(body); err != nil {
		return false
	}
	return hmac.Equal(expected, mac.Sum(nil))
}

func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("bearer "):])
	}
	return ""
}

// legacySecret picks the first secret transport present: the "secret" query
// parameter, the raw secret in the signature header, then a bearer token
// that is not a session JWT issued by the hosting gateway.
func legacySecret(r *http.Request) string {
	if s := strings.TrimSpace(r.URL.Query().Get("secret")); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Header.Get(signatureHeader)); s != "" {
		return s
	}
	if t := bearerToken(r); t != "" && !looksLikeJWT(t) {
		return t
	}
	return ""
}

func looksLikeJWT(token string) bool {
	_, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	return err == nil
}
