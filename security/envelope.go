package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Sealed secrets are stored as envelopePrefix followed by a JSON envelope.
// Nonce and ciphertext are base64 through encoding/json.
const (
	envelopePrefix    = "pengerobot.secret.v1:"
	envelopeAlgorithm = "aes-256-gcm"
)

type envelope struct {
	KeyID      string `json:"kid"`
	Version    int    `json:"ver"`
	Algorithm  string `json:"alg"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// EnvelopeMetadata identifies the key that sealed a secret.
type EnvelopeMetadata struct {
	KeyID     string
	Version   int
	Algorithm string
}

// ParseEnvelopeMetadata reads the key id and version of a stored secret
// without decrypting it.
func ParseEnvelopeMetadata(sealed []byte) (EnvelopeMetadata, error) {
	env, err := openEnvelope(sealed)
	if err != nil {
		return EnvelopeMetadata{}, err
	}
	return EnvelopeMetadata{KeyID: env.KeyID, Version: env.Version, Algorithm: env.Algorithm}, nil
}

func (e envelope) marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("security: encode envelope: %w", err)
	}
	return append([]byte(envelopePrefix), body...), nil
}

func openEnvelope(sealed []byte) (envelope, error) {
	body, ok := bytes.CutPrefix(sealed, []byte(envelopePrefix))
	if !ok {
		return envelope{}, fmt.Errorf("security: not a sealed secret")
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("security: decode envelope: %w", err)
	}
	if len(env.Ciphertext) == 0 {
		return envelope{}, fmt.Errorf("security: envelope ciphertext is required")
	}
	env.KeyID = strings.TrimSpace(env.KeyID)
	env.Algorithm = strings.ToLower(strings.TrimSpace(env.Algorithm))
	return env, nil
}
