// Package security seals client secrets and token pairs at rest.
package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

type Option func(*AppKeySecretProvider)

func WithKeyID(id string) Option {
	return func(p *AppKeySecretProvider) {
		if id = strings.TrimSpace(id); id != "" {
			p.keyID = id
		}
	}
}

func WithVersion(version int) Option {
	return func(p *AppKeySecretProvider) {
		if version > 0 {
			p.version = version
		}
	}
}

// AppKeySecretProvider seals payloads with AES-GCM under the application
// key. Keys that are not 16, 24 or 32 bytes long are hashed to 32 bytes.
// The key id and version are bound into the ciphertext as additional data.
type AppKeySecretProvider struct {
	aead    cipher.AEAD
	keyID   string
	version int
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	material := bytes.TrimSpace(keyMaterial)
	if len(material) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	key := bytes.Clone(material)
	switch len(key) {
	case 16, 24, 32:
	default:
		sum := sha256.Sum256(material)
		key = sum[:]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}

	p := &AppKeySecretProvider{aead: aead, keyID: "app-key", version: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	return envelope{
		KeyID:      p.keyID,
		Version:    p.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      nonce,
		Ciphertext: p.aead.Seal(nil, nonce, plaintext, p.binding()),
	}.marshal()
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, sealed []byte) ([]byte, error) {
	env, err := openEnvelope(sealed)
	if err != nil {
		return nil, err
	}
	if !p.sealed(env.KeyID, env.Version) {
		return nil, fmt.Errorf("%w: got %s/v%d want %s", ErrKeyMismatch, env.KeyID, env.Version, p.ref())
	}
	if env.Algorithm != "" && env.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("security: unsupported envelope algorithm %q", env.Algorithm)
	}
	if len(env.Nonce) != p.aead.NonceSize() {
		return nil, fmt.Errorf("security: envelope nonce has wrong size")
	}
	plaintext, err := p.aead.Open(nil, env.Nonce, env.Ciphertext, p.binding())
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) KeyID() string { return p.keyID }

func (p *AppKeySecretProvider) Version() int { return p.version }

// sealed reports whether an envelope with this key id and version could come
// from p. Blank ids and zero versions match any key.
func (p *AppKeySecretProvider) sealed(keyID string, version int) bool {
	return (keyID == "" || keyID == p.keyID) && (version <= 0 || version == p.version)
}

func (p *AppKeySecretProvider) ref() string {
	return p.keyID + "/v" + strconv.Itoa(p.version)
}

func (p *AppKeySecretProvider) binding() []byte {
	return []byte(p.keyID + ":" + strconv.Itoa(p.version))
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
