package domain

import "time"

const TokenRefreshMargin = 5 * time.Minute

// NeedsRefresh reports whether a credential expiring at expiry must be
// renewed before use at now. A zero expiry always needs a refresh.
func NeedsRefresh(expiry, now time.Time) bool {
	if expiry.IsZero() {
		return true
	}
	return !expiry.After(now.Add(TokenRefreshMargin))
}

type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}
