package security

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestAppKeySecretProvider_EncryptDecryptRoundTrip(t *testing.T) {
	provider, err := NewAppKeySecretProviderFromString("super-secret-test-key", WithKeyID("pengerobot-v1"), WithVersion(3))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	plaintext := []byte(`{"access_token":"a","refresh_token":"r"}`)
	encrypted, err := provider.Encrypt(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(encrypted, []byte("refresh_token")) {
		t.Fatalf("expected encrypted payload to hide plaintext")
	}
	if !bytes.HasPrefix(encrypted, []byte(envelopePrefix)) {
		t.Fatalf("expected envelope prefix")
	}

	meta, err := ParseEnvelopeMetadata(encrypted)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.KeyID != "pengerobot-v1" || meta.Version != 3 || meta.Algorithm != envelopeAlgorithm {
		t.Fatalf("unexpected envelope metadata: %+v", meta)
	}

	decrypted, err := provider.Decrypt(context.Background(), encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected roundtrip plaintext; got %q", string(decrypted))
	}
}

func TestAppKeySecretProvider_RejectsMetadataMismatch(t *testing.T) {
	issuer, err := NewAppKeySecretProviderFromString("super-secret-test-key", WithKeyID("pengerobot-v1"), WithVersion(1))
	if err != nil {
		t.Fatalf("new issuer provider: %v", err)
	}
	receiver, err := NewAppKeySecretProviderFromString("super-secret-test-key", WithKeyID("pengerobot-v2"), WithVersion(2))
	if err != nil {
		t.Fatalf("new receiver provider: %v", err)
	}

	encrypted, err := issuer.Encrypt(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := receiver.Decrypt(context.Background(), encrypted); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected key mismatch error, got %v", err)
	}
}

func TestAppKeySecretProvider_RejectsWrongKeyMaterial(t *testing.T) {
	issuer, err := NewAppKeySecretProviderFromString("key-one")
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	other, err := NewAppKeySecretProviderFromString("key-two")
	if err != nil {
		t.Fatalf("new other: %v", err)
	}
	encrypted, err := issuer.Encrypt(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := other.Decrypt(context.Background(), encrypted); err == nil {
		t.Fatalf("expected authentication failure with wrong key")
	}
	if _, err := issuer.Decrypt(context.Background(), []byte("plain-text")); err == nil {
		t.Fatalf("expected prefix error for non-envelope input")
	}
	if _, err := NewAppKeySecretProviderFromString("  "); err == nil {
		t.Fatalf("expected empty key material to be rejected")
	}
}

func TestKeyRing_DecryptsWithPreviousKeyAndEncryptsWithCurrent(t *testing.T) {
	ctx := context.Background()
	old, err := NewAppKeySecretProviderFromString("old-key", WithVersion(1))
	if err != nil {
		t.Fatalf("new old key: %v", err)
	}
	current, err := NewAppKeySecretProviderFromString("new-key", WithVersion(2))
	if err != nil {
		t.Fatalf("new current key: %v", err)
	}
	legacy, err := old.Encrypt(ctx, []byte("legacy-secret"))
	if err != nil {
		t.Fatalf("encrypt legacy: %v", err)
	}

	ring, err := NewKeyRing(current, old)
	if err != nil {
		t.Fatalf("new key ring: %v", err)
	}
	plaintext, err := ring.Decrypt(ctx, legacy)
	if err != nil {
		t.Fatalf("decrypt legacy: %v", err)
	}
	if string(plaintext) != "legacy-secret" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
	if !ring.NeedsRotation(legacy) {
		t.Fatalf("expected legacy ciphertext to need rotation")
	}

	fresh, err := ring.Encrypt(ctx, []byte("fresh-secret"))
	if err != nil {
		t.Fatalf("encrypt fresh: %v", err)
	}
	if ring.NeedsRotation(fresh) {
		t.Fatalf("expected fresh ciphertext to use current key")
	}
	if _, err := old.Decrypt(ctx, fresh); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected old key to refuse current envelope, got %v", err)
	}

	if _, err := NewKeyRing(current, current); err == nil {
		t.Fatalf("expected duplicate key to be rejected")
	}

	orphan, err := NewAppKeySecretProviderFromString("orphan", WithKeyID("orphan"))
	if err != nil {
		t.Fatalf("new orphan key: %v", err)
	}
	sealed, err := orphan.Encrypt(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("encrypt orphan: %v", err)
	}
	if _, err := ring.Decrypt(ctx, sealed); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected no matching key, got %v", err)
	}
}
