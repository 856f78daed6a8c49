package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/db"
)

func newTestBrowserAuth(t *testing.T, devBypassID string, oidcConfigured bool) (*BrowserAuthenticator, *JWTManager, *fakeUserRepo) {
	t.Helper()
	m := newTestJWTManager(t)
	users := newFakeUserRepo()
	a := NewBrowserAuthenticator(BrowserAuthConfig{
		AccessCookieName:  "panemux_access",
		RefreshCookieName: "panemux_refresh",
		DevBypassUserID:   devBypassID,
	}, m, users, oidcConfigured, zap.NewNop())
	return a, m, users
}

func seedActiveUser(t *testing.T, users *fakeUserRepo) *db.User {
	t.Helper()
	u := &db.User{Email: "ws@example.com", DisplayName: "WS", Tier: "free", IsActive: true}
	if err := users.Create(context.Background(), u); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return u
}

func upgradeRequest(cookies ...*http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws/browser", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r
}

func TestBrowserAuthValidAccessCookie(t *testing.T) {
	a, m, users := newTestBrowserAuth(t, "", false)
	u := seedActiveUser(t, users)

	access, err := m.GenerateAccessToken(u.ID.String(), u.Email, u.Tier)
	if err != nil {
		t.Fatalf("generating access token: %v", err)
	}

	got, err := a.AuthenticateRequest(upgradeRequest(&http.Cookie{Name: "panemux_access", Value: access}))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got != u.ID.String() {
		t.Errorf("user = %q, want %q", got, u.ID)
	}
}

func TestBrowserAuthExpiredAccessFallsThroughToRefresh(t *testing.T) {
	a, m, users := newTestBrowserAuth(t, "", false)
	u := seedActiveUser(t, users)

	expired := signExpiredAccess(t, m, u.ID.String())
	refresh, _, _, err := m.GenerateRefreshToken(u.ID.String())
	if err != nil {
		t.Fatalf("generating refresh token: %v", err)
	}

	got, err := a.AuthenticateRequest(upgradeRequest(
		&http.Cookie{Name: "panemux_access", Value: expired},
		&http.Cookie{Name: "panemux_refresh", Value: refresh},
	))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got != u.ID.String() {
		t.Errorf("user = %q, want %q", got, u.ID)
	}
}

func TestBrowserAuthExpiredAccessWithoutRefreshFails(t *testing.T) {
	a, m, users := newTestBrowserAuth(t, "", false)
	u := seedActiveUser(t, users)

	expired := signExpiredAccess(t, m, u.ID.String())
	if _, err := a.AuthenticateRequest(upgradeRequest(&http.Cookie{Name: "panemux_access", Value: expired})); err == nil {
		t.Fatal("expired access token without refresh was accepted")
	}
}

func TestBrowserAuthGarbageAccessDoesNotFallThrough(t *testing.T) {
	a, m, users := newTestBrowserAuth(t, "", false)
	u := seedActiveUser(t, users)

	// A structurally invalid access token must terminate authentication even
	// when a perfectly good refresh token is present.
	refresh, _, _, err := m.GenerateRefreshToken(u.ID.String())
	if err != nil {
		t.Fatalf("generating refresh token: %v", err)
	}

	_, err = a.AuthenticateRequest(upgradeRequest(
		&http.Cookie{Name: "panemux_access", Value: "garbage"},
		&http.Cookie{Name: "panemux_refresh", Value: refresh},
	))
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestBrowserAuthAccessTokenRejectedAsRefreshCookie(t *testing.T) {
	a, m, users := newTestBrowserAuth(t, "", false)
	u := seedActiveUser(t, users)

	// An access JWT planted in the refresh cookie lacks the refresh type
	// claim and must be rejected.
	access, err := m.GenerateAccessToken(u.ID.String(), u.Email, u.Tier)
	if err != nil {
		t.Fatalf("generating access token: %v", err)
	}

	_, err = a.AuthenticateRequest(upgradeRequest(&http.Cookie{Name: "panemux_refresh", Value: access}))
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestBrowserAuthNoCookies(t *testing.T) {
	a, _, _ := newTestBrowserAuth(t, "", false)

	if _, err := a.AuthenticateRequest(upgradeRequest()); err == nil {
		t.Fatal("request without cookies was accepted")
	}
}

func TestBrowserAuthDisabledUser(t *testing.T) {
	a, m, users := newTestBrowserAuth(t, "", false)
	u := seedActiveUser(t, users)
	u.IsActive = false
	if err := users.Update(context.Background(), u); err != nil {
		t.Fatalf("deactivating user: %v", err)
	}

	access, err := m.GenerateAccessToken(u.ID.String(), u.Email, u.Tier)
	if err != nil {
		t.Fatalf("generating access token: %v", err)
	}

	_, err = a.AuthenticateRequest(upgradeRequest(&http.Cookie{Name: "panemux_access", Value: access}))
	if !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("err = %v, want ErrUserDisabled", err)
	}
}

func TestBrowserAuthDevBypass(t *testing.T) {
	devID := uuid.NewString()
	a, _, users := newTestBrowserAuth(t, devID, false)

	got, err := a.AuthenticateRequest(upgradeRequest())
	if err != nil {
		t.Fatalf("authenticate with dev bypass: %v", err)
	}
	if got != devID {
		t.Errorf("user = %q, want %q", got, devID)
	}

	// The bypass user is provisioned on first use.
	if _, err := users.GetByID(context.Background(), uuid.MustParse(devID)); err != nil {
		t.Errorf("bypass user not created: %v", err)
	}

	// Second request resolves the same user without another create.
	again, err := a.AuthenticateRequest(upgradeRequest())
	if err != nil {
		t.Fatalf("second authenticate: %v", err)
	}
	if again != devID {
		t.Errorf("user = %q, want %q", again, devID)
	}
}

func TestBrowserAuthDevBypassDisabledWhenOIDCConfigured(t *testing.T) {
	a, _, _ := newTestBrowserAuth(t, uuid.NewString(), true)

	if _, err := a.AuthenticateRequest(upgradeRequest()); err == nil {
		t.Fatal("dev bypass active despite configured identity provider")
	}
}
