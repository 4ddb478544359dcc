package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TokenPayloadFormatJSONV1 = "token_pair_json"
	TokenPayloadVersionV1    = 1
)

// TokenPairCodec serializes the secret half of a token pair for storage.
type TokenPairCodec interface {
	Format() string
	Version() int
	Encode(pair TokenPair) ([]byte, error)
	Decode(payload []byte) (TokenPair, error)
}

type JSONTokenPairCodec struct{}

func (JSONTokenPairCodec) Format() string {
	return TokenPayloadFormatJSONV1
}

func (JSONTokenPairCodec) Version() int {
	return TokenPayloadVersionV1
}

type jsonTokenPayload struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	AccessExpiry time.Time `json:"access_expiry"`
}

func (JSONTokenPairCodec) Encode(pair TokenPair) ([]byte, error) {
	encoded, err := json.Marshal(jsonTokenPayload{
		AccessToken:  strings.TrimSpace(pair.AccessToken),
		RefreshToken: strings.TrimSpace(pair.RefreshToken),
		TokenType:    strings.TrimSpace(pair.TokenType),
		Scope:        strings.TrimSpace(pair.Scope),
		AccessExpiry: pair.AccessExpiry.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("core: encode token pair: %w", err)
	}
	return encoded, nil
}

func (JSONTokenPairCodec) Decode(payload []byte) (TokenPair, error) {
	if len(payload) == 0 {
		return TokenPair{}, fmt.Errorf("core: token payload is empty")
	}
	decoded := jsonTokenPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return TokenPair{}, fmt.Errorf("core: decode token pair: %w", err)
	}
	return TokenPair{
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
		TokenType:    decoded.TokenType,
		Scope:        decoded.Scope,
		AccessExpiry: decoded.AccessExpiry.UTC(),
	}, nil
}
