// Package oauth implements the Mercado Livre authorization flow with PKCE and
// token lifecycle management.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/stellarbeauty/relatorios/internal/app/domain/seller"
	"github.com/stellarbeauty/relatorios/internal/app/domain/token"
	"github.com/stellarbeauty/relatorios/internal/app/storage"
	"github.com/stellarbeauty/relatorios/internal/meli"
	"github.com/stellarbeauty/relatorios/pkg/logger"
)

// Sentinel errors the HTTP layer maps to response codes.
var (
	// ErrNotConnected means no token bundle exists for the seller.
	ErrNotConnected = errors.New("oauth: seller not connected")
	// ErrReauthRequired means the refresh token was rejected and the seller
	// must go through the authorization flow again.
	ErrReauthRequired = errors.New("oauth: re-authorization required")
	// ErrStateInvalid covers unknown, expired and replayed callback states.
	ErrStateInvalid = errors.New("oauth: invalid or expired state")
)

// Config tunes the flow.
type Config struct {
	ClientID    string
	RedirectURI string
	Scope       string
	AuthURL     string

	// StateTTL bounds how long an authorization round-trip may take.
	StateTTL time.Duration
	// TokenSkew is subtracted from the expiry when judging token validity so
	// a token never expires mid-request.
	TokenSkew time.Duration
}

// Client is the slice of the API client the flow needs.
type Client interface {
	ExchangeCode(ctx context.Context, code, codeVerifier string) (meli.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (meli.TokenResponse, error)
	Me(ctx context.Context, accessToken string) (meli.User, error)
}

// Service runs the authorization flow and keeps tokens fresh.
type Service struct {
	cfg     Config
	client  Client
	tokens  storage.TokenStore
	states  storage.StateStore
	sellers storage.SellerStore
	log     *logger.Logger
	now     func() time.Time
}

// New constructs the service.
func New(cfg Config, client Client, tokens storage.TokenStore, states storage.StateStore, sellers storage.SellerStore, log *logger.Logger) *Service {
	if cfg.StateTTL == 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.TokenSkew == 0 {
		cfg.TokenSkew = 60 * time.Second
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://auth.mercadolivre.com.br/authorization"
	}
	if log == nil {
		log = logger.NewDefault("oauth")
	}
	return &Service{
		cfg:     cfg,
		client:  client,
		tokens:  tokens,
		states:  states,
		sellers: sellers,
		log:     log,
		now:     time.Now,
	}
}

// Init starts an authorization round-trip: it mints a state and PKCE pair,
// persists the hashed state with the verifier, and returns the URL the seller
// must visit.
func (s *Service) Init(ctx context.Context, requester string) (string, error) {
	state, err := newState()
	if err != nil {
		return "", err
	}
	verifier, err := newCodeVerifier()
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	st := token.State{
		StateHash:    hashState(state),
		CodeVerifier: verifier,
		Requester:    requester,
		ExpiresAt:    now.Add(s.cfg.StateTTL),
		CreatedAt:    now,
	}
	if err := s.states.SaveState(ctx, st); err != nil {
		return "", fmt.Errorf("persist oauth state: %w", err)
	}

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {s.cfg.ClientID},
		"redirect_uri":          {s.cfg.RedirectURI},
		"state":                 {state},
		"code_challenge":        {challengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}
	if s.cfg.Scope != "" {
		q.Set("scope", s.cfg.Scope)
	}

	s.log.WithField("requester", requester).Info("authorization flow started")
	return s.cfg.AuthURL + "?" + q.Encode(), nil
}

// Consume finishes the round-trip: it pops the state exactly once, exchanges
// the code, and stores the token bundle plus the seller profile.
func (s *Service) Consume(ctx context.Context, state, code string) (seller.Seller, error) {
	if state == "" || code == "" {
		return seller.Seller{}, fmt.Errorf("%w: state and code are required", ErrStateInvalid)
	}

	now := s.now().UTC()
	verifier, err := s.states.PopState(ctx, hashState(state), now)
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrStateUsed),
		errors.Is(err, storage.ErrStateExpired):
		s.log.WithError(err).Warn("oauth callback with unusable state")
		return seller.Seller{}, ErrStateInvalid
	case err != nil:
		return seller.Seller{}, err
	}

	tok, err := s.client.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return seller.Seller{}, fmt.Errorf("exchange authorization code: %w", err)
	}

	user, err := s.client.Me(ctx, tok.AccessToken)
	if err != nil {
		return seller.Seller{}, fmt.Errorf("fetch seller profile: %w", err)
	}

	sl := seller.Seller{
		ID:        user.ID,
		Nickname:  user.Nickname,
		SiteID:    user.SiteID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		CountryID: user.CountryID,
		RawJSON:   string(user.Raw),
	}
	if err := s.sellers.UpsertSeller(ctx, sl); err != nil {
		return seller.Seller{}, fmt.Errorf("persist seller: %w", err)
	}

	bundle := bundleFromResponse(tok, now)
	if err := s.tokens.UpsertBundle(ctx, bundle); err != nil {
		return seller.Seller{}, fmt.Errorf("persist token bundle: %w", err)
	}

	s.log.WithField("seller_id", user.ID).
		WithField("token_prefix", tokenPrefix(tok.AccessToken)).
		Info("seller connected")
	return sl, nil
}

// AccessToken returns a usable access token for the seller, refreshing it
// first when it is expired or inside the skew window. The refresh runs under
// the store's row lock so concurrent callers do not burn the rotated refresh
// token twice.
func (s *Service) AccessToken(ctx context.Context, sellerID int64) (string, error) {
	b, err := s.tokens.GetBundle(ctx, sellerID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNotConnected
	}
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	if b.Valid(now, s.cfg.TokenSkew) {
		return b.AccessToken, nil
	}
	return s.refresh(ctx, sellerID)
}

// ForceRefresh refreshes the bundle regardless of expiry. Callers use it
// after a 401 on a token that looked valid locally.
func (s *Service) ForceRefresh(ctx context.Context, sellerID int64) (string, error) {
	return s.refresh(ctx, sellerID)
}

func (s *Service) refresh(ctx context.Context, sellerID int64) (string, error) {
	var refreshErr error
	updated, err := s.tokens.UpdateBundleLocked(ctx, sellerID, func(b token.Bundle) (token.Bundle, bool, error) {
		now := s.now().UTC()
		// Another caller may have refreshed while we waited for the lock.
		if b.Valid(now, s.cfg.TokenSkew) {
			return b, false, nil
		}
		if b.RefreshToken == "" {
			refreshErr = ErrReauthRequired
			return b, false, refreshErr
		}

		tok, err := s.client.RefreshToken(ctx, b.RefreshToken)
		if err != nil {
			var apiErr *meli.APIError
			if errors.As(err, &apiErr) && apiErr.IsInvalidGrant() {
				refreshErr = ErrReauthRequired
				return b, false, refreshErr
			}
			return b, false, err
		}

		fresh := bundleFromResponse(tok, now)
		fresh.SellerID = b.SellerID
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = b.RefreshToken
		}
		return fresh, true, nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNotConnected
	}
	if err != nil {
		if refreshErr != nil {
			s.log.WithField("seller_id", sellerID).Warn("refresh token rejected, re-authorization required")
			return "", refreshErr
		}
		return "", err
	}

	s.log.WithField("seller_id", sellerID).
		WithField("token_prefix", tokenPrefix(updated.AccessToken)).
		WithField("expires_at", updated.ExpiresAt).
		Info("access token refreshed")
	return updated.AccessToken, nil
}

// Status describes the connection for the status endpoint without leaking
// token material.
type Status struct {
	SellerID  int64     `json:"seller_id"`
	Connected bool      `json:"connected"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Scope     string    `json:"scope,omitempty"`
}

// ConnectionStatus reports whether a seller has usable credentials.
func (s *Service) ConnectionStatus(ctx context.Context, sellerID int64) (Status, error) {
	b, err := s.tokens.GetBundle(ctx, sellerID)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{SellerID: sellerID, Connected: false}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{
		SellerID:  sellerID,
		Connected: b.Valid(s.now().UTC(), s.cfg.TokenSkew) || b.RefreshToken != "",
		ExpiresAt: b.ExpiresAt,
		Scope:     b.Scope,
	}, nil
}

// stateRetention keeps used/expired states around long enough to audit
// connect attempts before the cleanup job drops them.
const stateRetention = 30 * 24 * time.Hour

// CleanupStates drops states past the retention window.
func (s *Service) CleanupStates(ctx context.Context) (int64, error) {
	removed, err := s.states.CleanupStates(ctx, stateRetention)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("expired oauth states cleaned up")
	}
	return removed, nil
}

func bundleFromResponse(tok meli.TokenResponse, now time.Time) token.Bundle {
	return token.Bundle{
		SellerID:     tok.UserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        tok.Scope,
		ObtainedAt:   now,
		ExpiresAt:    now.Add(time.Duration(tok.ExpiresIn) * time.Second),
		LastRefresh:  now,
	}
}

// tokenPrefix keeps log lines from leaking credentials.
func tokenPrefix(tok string) string {
	if len(tok) > 12 {
		return tok[:12]
	}
	return tok
}
