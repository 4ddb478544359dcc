package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	DefaultSignatureHeader = "X-Pengerobot-Signature"
	DefaultSignaturePrefix = "sha256="
)

// HMACSigner signs outgoing bodies and checks signatures on the receiving
// side.
type HMACSigner struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func NewHMACSigner(secret string) HMACSigner {
	return HMACSigner{
		Header:   DefaultSignatureHeader,
		Prefix:   DefaultSignaturePrefix,
		Secret:   strings.TrimSpace(secret),
		Encoding: "hex",
	}
}

func (s HMACSigner) header() string {
	if header := strings.TrimSpace(s.Header); header != "" {
		return header
	}
	return DefaultSignatureHeader
}

func (s HMACSigner) Enabled() bool {
	return strings.TrimSpace(s.Secret) != ""
}

func (s HMACSigner) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(s.Secret)))
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)
	if strings.EqualFold(strings.TrimSpace(s.Encoding), "base64") {
		return s.Prefix + base64.StdEncoding.EncodeToString(sum)
	}
	return s.Prefix + hex.EncodeToString(sum)
}

// Apply sets the signature header on req.
func (s HMACSigner) Apply(req *http.Request, body []byte) {
	if req == nil || !s.Enabled() {
		return
	}
	req.Header.Set(s.header(), s.Sign(body))
}

// Verify checks the signature header against body in constant time.
func (s HMACSigner) Verify(headers http.Header, body []byte) error {
	if !s.Enabled() {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	signature := strings.TrimSpace(headers.Get(s.header()))
	if signature == "" {
		return fmt.Errorf("webhooks: %s signature header is required", s.header())
	}
	signature = strings.TrimSpace(strings.TrimPrefix(signature, s.Prefix))
	if signature == "" {
		return fmt.Errorf("webhooks: signature value is required")
	}

	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(s.Secret)))
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)

	var decoded []byte
	var err error
	if strings.EqualFold(strings.TrimSpace(s.Encoding), "base64") {
		decoded, err = base64.StdEncoding.DecodeString(signature)
		if err != nil {
			return fmt.Errorf("webhooks: decode base64 signature: %w", err)
		}
	} else {
		decoded, err = hex.DecodeString(signature)
		if err != nil {
			return fmt.Errorf("webhooks: decode hex signature: %w", err)
		}
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}
