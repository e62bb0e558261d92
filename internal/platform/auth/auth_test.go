package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	a.calls++
	return a.identity, a.err
}

func TestMiddlewareUnauthenticated(t *testing.T) {
	authn := &testAuthenticator{err: ErrUnauthenticated}
	called := false
	h := Middleware{Authenticator: authn}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/tenants/t-1/chain", nil))

	if called {
		t.Fatalf("handler should not be called")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["error"] != "unauthenticated" {
		t.Fatalf("error=%v, want unauthenticated", body["error"])
	}
}

func TestMiddlewareInvalidToken(t *testing.T) {
	h := Middleware{Authenticator: &testAuthenticator{err: errors.New("bad signature")}}.Wrap(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "invalid_token") {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareSkipsAndInjects(t *testing.T) {
	authn := &testAuthenticator{identity: Identity{Subject: "alice"}}
	var seen string
	h := Middleware{Authenticator: authn, SkipPrefixes: []string{"/healthz"}}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if authn.calls != 0 || seen != "" {
		t.Fatalf("skipped path authenticated: calls=%d seen=%q", authn.calls, seen)
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tenants/t-1/chain", nil))
	if authn.calls != 1 || seen != "alice" {
		t.Fatalf("calls=%d seen=%q", authn.calls, seen)
	}
}

func TestDevAuthenticatorHonorsHeader(t *testing.T) {
	a := NewDevAuthenticator(Config{DevPrincipal: "dev-user"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	id, _ := a.Authenticate(context.Background(), req)
	if id.Subject != "dev-user" {
		t.Fatalf("subject=%q", id.Subject)
	}
	req.Header.Set(DevPrincipalHeader, "bob")
	id, _ = a.Authenticate(context.Background(), req)
	if id.Subject != "bob" {
		t.Fatalf("subject=%q, want bob", id.Subject)
	}
}

func tokenConfig() Config {
	return Config{
		Mode:           ModeToken,
		PrincipalClaim: "sub",
		TokenSecret:    testSecret,
		TokenIssuer:    "ledger",
		TokenAudience:  "ledger-api",
	}
}

func bearer(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/tenants/t-1/chain", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestTokenRoundTrip(t *testing.T) {
	cfg := tokenConfig()
	a, err := NewTokenAuthenticator(cfg)
	if err != nil {
		t.Fatalf("NewTokenAuthenticator() err=%v", err)
	}
	token, err := IssueToken(cfg, "svc-deployer", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken() err=%v", err)
	}
	id, err := a.Authenticate(context.Background(), bearer(token))
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if id.Subject != "svc-deployer" || id.Method != ModeToken {
		t.Fatalf("identity=%+v", id)
	}
}

func TestTokenRejections(t *testing.T) {
	cfg := tokenConfig()
	a, err := NewTokenAuthenticator(cfg)
	if err != nil {
		t.Fatalf("NewTokenAuthenticator() err=%v", err)
	}

	expired, _ := IssueToken(cfg, "svc", time.Minute, time.Now().Add(-time.Hour))
	other := cfg
	other.TokenAudience = "someone-else"
	wrongAud, _ := IssueToken(other, "svc", time.Hour, time.Now())
	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "svc", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{"expired": expired, "audience": wrongAud, "alg none": unsigned} {
		if _, err := a.Authenticate(context.Background(), bearer(token)); err == nil {
			t.Fatalf("%s token accepted", name)
		}
	}
	if _, err := a.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("missing token err=%v, want ErrUnauthenticated", err)
	}
}

func TestWebsocketQueryToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tenants/t-1/events?access_token=abc", nil)
	if tokenFromRequest(req) != "" {
		t.Fatalf("query token accepted without upgrade")
	}
	req.Header.Set("Upgrade", "websocket")
	if got := tokenFromRequest(req); got != "abc" {
		t.Fatalf("tokenFromRequest()=%q", got)
	}
}

func TestOIDCAuthenticator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() err=%v", err)
	}
	const issuer = "https://idp.example.test"
	verifier := oidc.NewVerifier(issuer, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}, &oidc.Config{ClientID: "ledger"})
	a := NewOIDCAuthenticatorWithVerifier(verifier, "preferred_username")

	sign := func(claims jwt.MapClaims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		if err != nil {
			t.Fatalf("SignedString() err=%v", err)
		}
		return s
	}
	now := time.Now()
	good := sign(jwt.MapClaims{
		"iss":                issuer,
		"aud":                "ledger",
		"sub":                "u-123",
		"preferred_username": "alice",
		"email":              "alice@example.test",
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
	})
	id, err := a.Authenticate(context.Background(), bearer(good))
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if id.Subject != "alice" || id.Email != "alice@example.test" || id.Method != ModeOIDC {
		t.Fatalf("identity=%+v", id)
	}

	wrongAud := sign(jwt.MapClaims{"iss": issuer, "aud": "other", "sub": "u", "preferred_username": "x", "exp": now.Add(time.Hour).Unix()})
	if _, err := a.Authenticate(context.Background(), bearer(wrongAud)); err == nil {
		t.Fatalf("token for another client accepted")
	}
	noPrincipal := sign(jwt.MapClaims{"iss": issuer, "aud": "ledger", "sub": "u", "exp": now.Add(time.Hour).Unix()})
	if _, err := a.Authenticate(context.Background(), bearer(noPrincipal)); err == nil {
		t.Fatalf("token without principal claim accepted")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LEDGER_AUTH_MODE", "token")
	t.Setenv("LEDGER_AUTH_TOKEN_SECRET", "short")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected short secret error")
	}
	t.Setenv("LEDGER_AUTH_TOKEN_SECRET", testSecret)
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeToken || cfg.TokenAudience != "ledger-api" {
		t.Fatalf("cfg=%+v", cfg)
	}

	t.Setenv("LEDGER_AUTH_MODE", "saml")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
	t.Setenv("LEDGER_AUTH_MODE", "oidc")
	t.Setenv("LEDGER_OIDC_ISSUER_URL", "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected missing issuer error")
	}
}
