package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func chskForOriginTest(origins []string) *Chsk {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = origins
	return &Chsk{cfg: cfg}
}

func TestCheckOrigin_AllowAll(t *testing.T) {
	c := chskForOriginTest([]string{AllowAllOrigins})
	r := httptest.NewRequest(http.MethodGet, "/chsk", nil)
	assert.True(t, c.checkOrigin(r))
}

func TestCheckOrigin_ExplicitOriginHeader(t *testing.T) {
	c := chskForOriginTest([]string{"https://app.example.com"})

	ok := httptest.NewRequest(http.MethodGet, "/chsk", nil)
	ok.Header.Set("Origin", "https://app.example.com")
	assert.True(t, c.checkOrigin(ok))

	bad := httptest.NewRequest(http.MethodGet, "/chsk", nil)
	bad.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, c.checkOrigin(bad))
}

func TestCheckOrigin_RefererFallback(t *testing.T) {
	c := chskForOriginTest([]string{"https://app.example.com"})

	ok := httptest.NewRequest(http.MethodGet, "/chsk", nil)
	ok.Header.Set("Referer", "https://app.example.com/dashboard")
	assert.True(t, c.checkOrigin(ok))

	noHeaders := httptest.NewRequest(http.MethodGet, "/chsk", nil)
	assert.False(t, c.checkOrigin(noHeaders))
}

func TestCheckCSRF_DisabledWhenNoFn(t *testing.T) {
	c := &Chsk{cfg: DefaultConfig()}
	r := httptest.NewRequest(http.MethodPost, "/chsk", nil)
	assert.True(t, c.checkCSRF(r))
}

func TestCheckCSRF_MatchesConstantTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CSRFTokenFn = func(*http.Request) string { return "secret-token" }
	c := &Chsk{cfg: cfg}

	good := httptest.NewRequest(http.MethodPost, "/chsk", nil)
	good.Header.Set("X-CSRF-Token", "secret-token")
	assert.True(t, c.checkCSRF(good))

	bad := httptest.NewRequest(http.MethodPost, "/chsk", nil)
	bad.Header.Set("X-CSRF-Token", "wrong")
	assert.False(t, c.checkCSRF(bad))

	missing := httptest.NewRequest(http.MethodPost, "/chsk", nil)
	assert.False(t, c.checkCSRF(missing))
}

func TestCheckCSRF_XSRFHeaderAlias(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CSRFTokenFn = func(*http.Request) string { return "secret-token" }
	c := &Chsk{cfg: cfg}

	r := httptest.NewRequest(http.MethodPost, "/chsk", nil)
	r.Header.Set("X-XSRF-Token", "secret-token")
	assert.True(t, c.checkCSRF(r))
}

func TestCheckAuthorized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthorizedFn = func(r *http.Request) bool { return r.URL.Query().Get("ok") == "1" }
	c := &Chsk{cfg: cfg}

	assert.True(t, c.checkAuthorized(httptest.NewRequest(http.MethodGet, "/chsk?ok=1", nil)))
	assert.False(t, c.checkAuthorized(httptest.NewRequest(http.MethodGet, "/chsk", nil)))
}
