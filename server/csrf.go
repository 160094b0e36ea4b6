package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// csrfTokenFromRequest extracts the client-presented CSRF token from the
// csrf-token request param or the X-CSRF-Token / X-XSRF-Token headers.
func csrfTokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("csrf-token"); t != "" {
		return t
	}
	if t := r.FormValue("csrf-token"); t != "" {
		return t
	}
	if t := r.Header.Get("X-CSRF-Token"); t != "" {
		return t
	}
	return r.Header.Get("X-XSRF-Token")
}

// checkCSRF validates the request's presented token against
// cfg.CSRFTokenFn. A nil CSRFTokenFn disables the check entirely (the
// host's responsibility to have logged a warning about running without
// CSRF protection).
func (c *Chsk) checkCSRF(r *http.Request) bool {
	if c.cfg.CSRFTokenFn == nil {
		return true
	}
	want := c.cfg.CSRFTokenFn(r)
	got := csrfTokenFromRequest(r)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// checkOrigin reports whether r's Origin (or, absent that, Referer) is
// acceptable: allow-all is configured, Origin is in the allow-set, or
// Referer begins with an allowed origin followed by "/".
func (c *Chsk) checkOrigin(r *http.Request) bool {
	for _, o := range c.cfg.AllowedOrigins {
		if o == AllowAllOrigins {
			return true
		}
	}
	origin := r.Header.Get("Origin")
	if origin != "" {
		for _, o := range c.cfg.AllowedOrigins {
			if o == origin {
				return true
			}
		}
		return false
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return false
	}
	for _, o := range c.cfg.AllowedOrigins {
		if strings.HasPrefix(referer, o+"/") {
			return true
		}
	}
	return false
}

// checkAuthorized reports whether r is authorized: either AuthorizedFn(r)
// is truthy, or a nil AuthorizedFn authorizes everything.
func (c *Chsk) checkAuthorized(r *http.Request) bool {
	if c.cfg.AuthorizedFn == nil {
		return true
	}
	return c.cfg.AuthorizedFn(r)
}

// preflight runs the shared CSRF/origin/authorization gate.
// On failure it writes the appropriate 4xx response and returns false; the
// caller must not enter the registry.
func (c *Chsk) preflight(w http.ResponseWriter, r *http.Request) bool {
	if !c.checkOrigin(r) {
		http.Error(w, "chsk: origin not allowed", http.StatusForbidden)
		return false
	}
	if !c.checkCSRF(r) {
		http.Error(w, "chsk: csrf check failed", http.StatusForbidden)
		return false
	}
	if !c.checkAuthorized(r) {
		if c.cfg.UnauthorizedFn != nil {
			c.cfg.UnauthorizedFn(w, r)
		} else {
			http.Error(w, "chsk: unauthorized", http.StatusUnauthorized)
		}
		return false
	}
	return true
}
