package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

var ErrKeyMismatch = errors.New("security: key id or version mismatch")

// KeyRing encrypts with the current key and decrypts with whichever key
// sealed the envelope. It lets the application key rotate without
// re-authorizing every instance.
type KeyRing struct {
	current  *AppKeySecretProvider
	previous []*AppKeySecretProvider
}

func NewKeyRing(current *AppKeySecretProvider, previous ...*AppKeySecretProvider) (*KeyRing, error) {
	if current == nil {
		return nil, fmt.Errorf("security: current key is required")
	}
	ring := &KeyRing{current: current}
	seen := map[string]struct{}{current.ref(): {}}
	for _, key := range previous {
		if key == nil {
			continue
		}
		if _, dup := seen[key.ref()]; dup {
			return nil, fmt.Errorf("security: duplicate key %s in key ring", key.ref())
		}
		seen[key.ref()] = struct{}{}
		ring.previous = append(ring.previous, key)
	}
	return ring, nil
}

func (r *KeyRing) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return r.current.Encrypt(ctx, plaintext)
}

func (r *KeyRing) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return nil, err
	}
	for _, key := range append([]*AppKeySecretProvider{r.current}, r.previous...) {
		if !key.sealed(meta.KeyID, meta.Version) {
			continue
		}
		return key.Decrypt(ctx, ciphertext)
	}
	return nil, fmt.Errorf("%w: no key for %s/v%d", ErrKeyMismatch, meta.KeyID, meta.Version)
}

// NeedsRotation reports whether ciphertext was sealed by a key other than
// the current one.
func (r *KeyRing) NeedsRotation(ciphertext []byte) bool {
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return false
	}
	return !r.current.sealed(meta.KeyID, meta.Version)
}

var _ core.SecretProvider = (*KeyRing)(nil)
