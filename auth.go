package dataget

import (
	"net/http"
	"strings"
	"sync"
)

// Authenticator attaches request-level auth material for the request's
// host. It must only modify the request it is given.
type Authenticator interface {
	Authorize(req *http.Request) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(req *http.Request) error

func (f AuthenticatorFunc) Authorize(req *http.Request) error { return f(req) }

// CredentialLookup returns the login and password stored for host.
type CredentialLookup interface {
	Lookup(host string) (login, password string, ok bool)
}

// CookieSource returns the session cookies stored for host.
type CookieSource interface {
	Cookies(host string) []*http.Cookie
}

type basicAuth struct {
	creds CredentialLookup
}

// BasicAuth authenticates with the login and password found for each host.
// Hosts without credentials are left alone.
func BasicAuth(creds CredentialLookup) Authenticator {
	return basicAuth{creds: creds}
}

func (a basicAuth) Authorize(req *http.Request) error {
	if login, password, ok := a.creds.Lookup(req.URL.Hostname()); ok {
		req.SetBasicAuth(login, password)
	}
	return nil
}

type cookieAuth struct {
	src CookieSource
}

// CookieAuth authenticates with the browser cookies found for each host.
func CookieAuth(src CookieSource) Authenticator {
	return cookieAuth{src: src}
}

func (a cookieAuth) Authorize(req *http.Request) error {
	cookies := a.src.Cookies(req.URL.Hostname())
	if len(cookies) == 0 {
		return nil
	}
	// Redirect hops inherit the previous hop's Cookie header.
	req.Header.Del("Cookie")
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return nil
}

// ChainAuth applies every authenticator in order.
func ChainAuth(auths ...Authenticator) Authenticator {
	return AuthenticatorFunc(func(req *http.Request) error {
		for _, a := range auths {
			if a == nil {
				continue
			}
			if err := a.Authorize(req); err != nil {
				return err
			}
		}
		return nil
	})
}

// StaticCredentials is an in-memory CredentialLookup keyed by host name.
type StaticCredentials struct {
	mu    sync.RWMutex
	hosts map[string][2]string
}

// NewStaticCredentials returns an empty credential set.
func NewStaticCredentials() *StaticCredentials {
	return &StaticCredentials{hosts: make(map[string][2]string)}
}

// Set stores the login and password for host.
func (s *StaticCredentials) Set(host, login, password string) *StaticCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[strings.ToLower(host)] = [2]string{login, password}
	return s
}

func (s *StaticCredentials) Lookup(host string) (string, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.hosts[strings.ToLower(host)]
	return c[0], c[1], ok
}
