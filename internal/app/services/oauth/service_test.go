package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stellarbeauty/relatorios/internal/app/domain/token"
	"github.com/stellarbeauty/relatorios/internal/app/storage/memory"
	"github.com/stellarbeauty/relatorios/internal/meli"
)

type fakeClient struct {
	exchange func(code, verifier string) (meli.TokenResponse, error)
	refresh  func(refreshToken string) (meli.TokenResponse, error)
	me       func(accessToken string) (meli.User, error)

	refreshCalls int
}

func (f *fakeClient) ExchangeCode(_ context.Context, code, verifier string) (meli.TokenResponse, error) {
	return f.exchange(code, verifier)
}

func (f *fakeClient) RefreshToken(_ context.Context, refreshToken string) (meli.TokenResponse, error) {
	f.refreshCalls++
	return f.refresh(refreshToken)
}

func (f *fakeClient) Me(_ context.Context, accessToken string) (meli.User, error) {
	if f.me != nil {
		return f.me(accessToken)
	}
	return meli.User{ID: 123, Nickname: "LOJA", SiteID: "MLB", Raw: []byte(`{"id":123}`)}, nil
}

func newTestService(client Client, store *memory.Store) *Service {
	return New(Config{
		ClientID:    "app-id",
		RedirectURI: "https://example.com/callback",
		Scope:       "offline_access read write",
		AuthURL:     "https://auth.test/authorization",
	}, client, store, store, store, nil)
}

func TestInitBuildsAuthorizationURL(t *testing.T) {
	store := memory.New()
	svc := newTestService(&fakeClient{}, store)

	authURL, err := svc.Init(context.Background(), "ops")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("client_id") != "app-id" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") == "" || strings.ContainsAny(q.Get("code_challenge"), "+/=") {
		t.Errorf("code_challenge not unpadded base64url: %q", q.Get("code_challenge"))
	}
	if len(q.Get("state")) < 32 {
		t.Errorf("state too short: %q", q.Get("state"))
	}
}

func TestConsumeHappyPath(t *testing.T) {
	store := memory.New()
	client := &fakeClient{
		exchange: func(code, verifier string) (meli.TokenResponse, error) {
			if code != "the-code" {
				t.Errorf("code = %q", code)
			}
			if verifier == "" {
				t.Error("verifier not forwarded from the stored state")
			}
			return meli.TokenResponse{
				AccessToken:  "APP_USR-access",
				RefreshToken: "TG-refresh",
				TokenType:    "Bearer",
				ExpiresIn:    21600,
				UserID:       123,
			}, nil
		},
	}
	svc := newTestService(client, store)

	authURL, err := svc.Init(context.Background(), "ops")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	state := mustQuery(t, authURL, "state")

	sl, err := svc.Consume(context.Background(), state, "the-code")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if sl.ID != 123 || sl.Nickname != "LOJA" {
		t.Fatalf("unexpected seller: %+v", sl)
	}

	b, err := store.GetBundle(context.Background(), 123)
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}
	if b.AccessToken != "APP_USR-access" || b.RefreshToken != "TG-refresh" {
		t.Fatalf("unexpected bundle: %+v", b)
	}
}

func TestConsumeStateIsSingleUse(t *testing.T) {
	store := memory.New()
	client := &fakeClient{
		exchange: func(code, verifier string) (meli.TokenResponse, error) {
			return meli.TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600, UserID: 123}, nil
		},
	}
	svc := newTestService(client, store)

	authURL, err := svc.Init(context.Background(), "ops")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	state := mustQuery(t, authURL, "state")

	if _, err := svc.Consume(context.Background(), state, "the-code"); err != nil {
		t.Fatalf("first Consume: %v", err)
	}
	if _, err := svc.Consume(context.Background(), state, "the-code"); !errors.Is(err, ErrStateInvalid) {
		t.Fatalf("second Consume error = %v, want ErrStateInvalid", err)
	}
}

func TestConsumeUnknownState(t *testing.T) {
	svc := newTestService(&fakeClient{}, memory.New())
	if _, err := svc.Consume(context.Background(), "deadbeef", "code"); !errors.Is(err, ErrStateInvalid) {
		t.Fatalf("error = %v, want ErrStateInvalid", err)
	}
}

func TestAccessTokenNotConnected(t *testing.T) {
	svc := newTestService(&fakeClient{}, memory.New())
	if _, err := svc.AccessToken(context.Background(), 999); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
}

func TestAccessTokenRefreshesExpired(t *testing.T) {
	store := memory.New()
	client := &fakeClient{
		refresh: func(refreshToken string) (meli.TokenResponse, error) {
			if refreshToken != "TG-old" {
				t.Errorf("refresh token = %q", refreshToken)
			}
			return meli.TokenResponse{
				AccessToken:  "APP_USR-new",
				RefreshToken: "TG-new",
				ExpiresIn:    21600,
				UserID:       123,
			}, nil
		},
	}
	svc := newTestService(client, store)
	seedBundle(t, store, 123, "APP_USR-old", "TG-old", time.Now().Add(-time.Hour))

	tok, err := svc.AccessToken(context.Background(), 123)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "APP_USR-new" {
		t.Fatalf("token = %q", tok)
	}

	b, _ := store.GetBundle(context.Background(), 123)
	if b.RefreshToken != "TG-new" {
		t.Fatalf("rotated refresh token not persisted: %+v", b)
	}
}

func TestAccessTokenSkewTriggersRefresh(t *testing.T) {
	store := memory.New()
	client := &fakeClient{
		refresh: func(string) (meli.TokenResponse, error) {
			return meli.TokenResponse{AccessToken: "APP_USR-new", RefreshToken: "TG-new", ExpiresIn: 21600, UserID: 123}, nil
		},
	}
	svc := newTestService(client, store)
	// Expires in 30s, inside the 60s skew window.
	seedBundle(t, store, 123, "APP_USR-old", "TG-old", time.Now().Add(30*time.Second))

	tok, err := svc.AccessToken(context.Background(), 123)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "APP_USR-new" {
		t.Fatalf("token = %q, expected a refreshed token", tok)
	}
	if client.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d", client.refreshCalls)
	}
}

func TestAccessTokenValidSkipsRefresh(t *testing.T) {
	store := memory.New()
	client := &fakeClient{
		refresh: func(string) (meli.TokenResponse, error) {
			t.Fatal("refresh must not be called for a valid token")
			return meli.TokenResponse{}, nil
		},
	}
	svc := newTestService(client, store)
	seedBundle(t, store, 123, "APP_USR-ok", "TG-ok", time.Now().Add(time.Hour))

	tok, err := svc.AccessToken(context.Background(), 123)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "APP_USR-ok" {
		t.Fatalf("token = %q", tok)
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	store := memory.New()
	client := &fakeClient{
		refresh: func(string) (meli.TokenResponse, error) {
			return meli.TokenResponse{}, &meli.APIError{StatusCode: 400, ErrorCode: "invalid_grant", Message: "revoked"}
		},
	}
	svc := newTestService(client, store)
	seedBundle(t, store, 123, "APP_USR-old", "TG-old", time.Now().Add(-time.Hour))

	if _, err := svc.AccessToken(context.Background(), 123); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("error = %v, want ErrReauthRequired", err)
	}
}

func TestConnectionStatus(t *testing.T) {
	store := memory.New()
	svc := newTestService(&fakeClient{}, store)

	st, err := svc.ConnectionStatus(context.Background(), 123)
	if err != nil {
		t.Fatalf("ConnectionStatus: %v", err)
	}
	if st.Connected {
		t.Fatal("expected disconnected status")
	}

	seedBundle(t, store, 123, "APP_USR-ok", "TG-ok", time.Now().Add(time.Hour))
	st, err = svc.ConnectionStatus(context.Background(), 123)
	if err != nil {
		t.Fatalf("ConnectionStatus: %v", err)
	}
	if !st.Connected {
		t.Fatal("expected connected status")
	}
}

func seedBundle(t *testing.T, store *memory.Store, sellerID int64, access, refresh string, expiresAt time.Time) {
	t.Helper()
	err := store.UpsertBundle(context.Background(), bundleFixture(sellerID, access, refresh, expiresAt))
	if err != nil {
		t.Fatalf("seed bundle: %v", err)
	}
}

func bundleFixture(sellerID int64, access, refresh string, expiresAt time.Time) token.Bundle {
	now := time.Now().UTC()
	return token.Bundle{
		SellerID:     sellerID,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ObtainedAt:   now,
		ExpiresAt:    expiresAt,
		LastRefresh:  now,
	}
}

func mustQuery(t *testing.T, rawURL, key string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	v := u.Query().Get(key)
	if v == "" {
		t.Fatalf("missing %s in %s", key, rawURL)
	}
	return v
}
