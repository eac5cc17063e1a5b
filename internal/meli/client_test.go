package meli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestExchangeCodeSendsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code_verifier"); got != "verifier-value" {
			t.Errorf("code_verifier = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":21600,"user_id":123,"refresh_token":"rt"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{ClientID: "app", ClientSecret: "secret", RedirectURI: "https://cb", APIBase: srv.URL})
	tok, err := c.ExchangeCode(context.Background(), "the-code", "verifier-value")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.UserID != 123 {
		t.Fatalf("unexpected token response: %+v", tok)
	}
}

func TestRefreshTokenInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","message":"refresh token revoked"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{ClientID: "app", ClientSecret: "secret", APIBase: srv.URL})
	_, err := c.RefreshToken(context.Background(), "stale")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if !apiErr.IsInvalidGrant() {
		t.Fatalf("expected invalid_grant, got %+v", apiErr)
	}
}

func TestSearchOrdersRetriesOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"id":1}],"paging":{"total":1,"offset":0,"limit":50}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIBase: srv.URL})
	from := time.Now().Add(-7 * 24 * time.Hour)
	page, err := c.SearchOrders(context.Background(), "tok", 123, from, time.Now(), 0)
	if err != nil {
		t.Fatalf("SearchOrders: %v", err)
	}
	if len(page.Results) != 1 || page.Paging.Total != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestPolicyAgentBlockIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"PA_UNAUTHORIZED_RESULT_FROM_POLICIES","message":"blocked","blocked_by":"PolicyAgent"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIBase: srv.URL})
	_, err := c.Me(context.Background(), "tok")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if !apiErr.IsPolicyAgent() {
		t.Fatalf("expected PolicyAgent block, got %+v", apiErr)
	}
}

func TestPolicyAgentBlockDetectedByCodeField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":"PA_UNAUTHORIZED_RESULT_FROM_POLICIES","message":"blocked"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIBase: srv.URL})
	_, err := c.Me(context.Background(), "tok")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if !apiErr.IsPolicyAgent() {
		t.Fatalf("expected PolicyAgent block from the code field, got %+v", apiErr)
	}
}

func TestMeKeepsRawPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":42,"nickname":"LOJA","site_id":"MLB","extra_field":"kept"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIBase: srv.URL})
	u, err := c.Me(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if u.ID != 42 || u.Nickname != "LOJA" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if len(u.Raw) == 0 {
		t.Fatal("expected raw payload to be kept")
	}
}
