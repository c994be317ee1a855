package calendar

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"calsync/backend/internal/domain"
)

type TokenProvider interface {
	Credential(ctx context.Context, ref domain.CalendarRef) (domain.Credential, error)
	Refresh(ctx context.Context, ref domain.CalendarRef) (domain.Credential, error)
}

// AccessToken returns a usable access token for ref, refreshing it first when
// it expires within domain.TokenRefreshMargin of now.
func AccessToken(ctx context.Context, tp TokenProvider, ref domain.CalendarRef, now time.Time) (domain.Credential, error) {
	cred, err := tp.Credential(ctx, ref)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: %w", ErrCredentialExpired, err)
	}
	if !domain.NeedsRefresh(cred.Expiry, now) && cred.AccessToken != "" {
		return cred, nil
	}

	cred, err = tp.Refresh(ctx, ref)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: %w", ErrCredentialExpired, err)
	}
	if cred.AccessToken == "" {
		return domain.Credential{}, fmt.Errorf("%w: refresh returned no access token", ErrCredentialExpired)
	}
	return cred, nil
}

type refTokenSource struct {
	ctx context.Context
	tp  TokenProvider
	ref domain.CalendarRef
	now func() time.Time
}

func (s refTokenSource) Token() (*oauth2.Token, error) {
	cred, err := AccessToken(s.ctx, s.tp, s.ref, s.now())
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
		Expiry:      cred.Expiry,
	}, nil
}

func TokenSource(ctx context.Context, tp TokenProvider, ref domain.CalendarRef) oauth2.TokenSource {
	return refTokenSource{ctx: ctx, tp: tp, ref: ref, now: time.Now}
}

// HTTPClient returns a client that authorizes every request for ref. base
// supplies the transport and timeout; nil means http.DefaultClient.
func HTTPClient(ctx context.Context, base *http.Client, tp TokenProvider, ref domain.CalendarRef) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, TokenSource(ctx, tp, ref))
	client.Timeout = base.Timeout
	return client
}
