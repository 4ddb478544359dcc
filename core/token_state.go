package core

import (
	"strings"
	"time"
)

const DefaultRefreshMargin = 5 * time.Minute

// TokenState is the freshness of a stored token pair at a point in time.
type TokenState struct {
	HasAccessToken  bool
	HasRefreshToken bool
	Invalid         bool
	IsExpired       bool
	IsExpiringSoon  bool
}

// ResolveTokenState evaluates a pair against the refresh margin.
func ResolveTokenState(now time.Time, pair TokenPair, margin time.Duration) TokenState {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if margin < 0 {
		margin = DefaultRefreshMargin
	}
	state := TokenState{
		HasAccessToken:  strings.TrimSpace(pair.AccessToken) != "",
		HasRefreshToken: strings.TrimSpace(pair.RefreshToken) != "",
		Invalid:         !pair.Active(),
	}
	if pair.AccessExpiry.IsZero() {
		state.IsExpired = true
		return state
	}
	expiresAt := pair.AccessExpiry.UTC()
	if !expiresAt.After(now) {
		state.IsExpired = true
		return state
	}
	state.IsExpiringSoon = !expiresAt.After(now.Add(margin))
	return state
}

// Usable is true when the access token can be handed out without a refresh.
func (s TokenState) Usable() bool {
	return !s.Invalid && s.HasAccessToken && !s.IsExpired && !s.IsExpiringSoon
}
