package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"calsync/backend/internal/domain"
	"calsync/backend/internal/store"
)

const (
	graphScope        = "https://graph.microsoft.com/Calendars.ReadWrite"
	googleEventsScope = "https://www.googleapis.com/auth/calendar.events"
)

type OAuthClient struct {
	ClientID     string
	ClientSecret string
	Tenant       string
}

func MicrosoftConfig(c OAuthClient) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     microsoft.AzureADEndpoint(c.Tenant),
		Scopes:       []string{"offline_access", graphScope},
	}
}

func GoogleConfig(c OAuthClient) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{googleEventsScope},
	}
}

// StoreTokenProvider reads credentials from the calendar store and renews
// them through the provider's OAuth endpoint. Concurrent refreshes of one
// calendar share a single round trip.
type StoreTokenProvider struct {
	calendars store.CalendarRepository
	configs   map[domain.CalendarKind]*oauth2.Config
	log       *slog.Logger
	group     singleflight.Group
}

func NewStoreTokenProvider(log *slog.Logger, calendars store.CalendarRepository, configs map[domain.CalendarKind]*oauth2.Config) *StoreTokenProvider {
	if log == nil {
		log = slog.Default()
	}
	return &StoreTokenProvider{
		calendars: calendars,
		configs:   configs,
		log:       log.With(slog.String("component", "oauth")),
	}
}

func (p *StoreTokenProvider) Credential(ctx context.Context, ref domain.CalendarRef) (domain.Credential, error) {
	cal, err := p.calendars.Get(ctx, ref.ID)
	if err != nil {
		return domain.Credential{}, err
	}
	return cal.Credential(), nil
}

func (p *StoreTokenProvider) Refresh(ctx context.Context, ref domain.CalendarRef) (domain.Credential, error) {
	v, err, _ := p.group.Do(ref.ID.String(), func() (any, error) {
		return p.refresh(ctx, ref)
	})
	if err != nil {
		return domain.Credential{}, err
	}
	return v.(domain.Credential), nil
}

func (p *StoreTokenProvider) refresh(ctx context.Context, ref domain.CalendarRef) (domain.Credential, error) {
	cfg, ok := p.configs[ref.Kind]
	if !ok || cfg == nil {
		return domain.Credential{}, fmt.Errorf("no oauth client configured for %q", ref.Kind)
	}

	cal, err := p.calendars.Get(ctx, ref.ID)
	if err != nil {
		return domain.Credential{}, err
	}
	if cal.RefreshToken == "" {
		return domain.Credential{}, errors.New("no refresh token stored")
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cal.RefreshToken}).Token()
	if err != nil {
		p.log.WarnContext(ctx, "token refresh failed",
			slog.String("calendar_id", ref.ID.String()),
			slog.String("kind", string(ref.Kind)),
			slog.Any("err", err),
		)
		return domain.Credential{}, err
	}

	cred := domain.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if err := p.calendars.UpdateCredential(ctx, ref.ID, cred); err != nil {
		return domain.Credential{}, err
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = cal.RefreshToken
	}

	p.log.DebugContext(ctx, "token refreshed",
		slog.String("calendar_id", ref.ID.String()),
		slog.Time("expiry", cred.Expiry),
	)
	return cred, nil
}
