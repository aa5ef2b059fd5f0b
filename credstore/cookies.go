package credstore

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/browserutils/kooky/browser/netscape"
	"github.com/pkg/errors"
)

// CookieJar holds cookies imported from a browser export.
type CookieJar struct {
	cookies []jarCookie
	now     func() time.Time
}

type jarCookie struct {
	domain  string
	path    string
	secure  bool
	expires time.Time
	name    string
	value   string
}

// LoadCookies reads a Netscape format cookies.txt file, as written by
// browser export extensions and curl. A cookie applies to its domain and
// every subdomain, the way browsers treat a Domain attribute.
func LoadCookies(path string) (*CookieJar, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "opening cookie file")
	}
	cookies, _, err := netscape.ReadCookies(context.Background(), path)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	jar := &CookieJar{now: time.Now}
	for _, c := range cookies {
		jc := jarCookie{
			domain: strings.ToLower(strings.TrimPrefix(c.Domain, ".")),
			path:   c.Path,
			secure: c.Secure,
			name:   c.Name,
			value:  c.Value,
		}
		// Session cookies carry expiry 0 in the file.
		if c.Expires.Unix() > 0 {
			jc.expires = c.Expires
		}
		if jc.path == "" {
			jc.path = "/"
		}
		jar.cookies = append(jar.cookies, jc)
	}
	return jar, nil
}

// Len returns the number of cookies in the jar, expired ones included.
func (j *CookieJar) Len() int {
	return len(j.cookies)
}

// Cookies returns the unexpired cookies whose domain matches host.
func (j *CookieJar) Cookies(host string) []*http.Cookie {
	return j.match(strings.ToLower(host), "", true)
}

// CookiesFor returns the cookies to send with a request for u, matching
// domain, path, secure flag and expiry.
func (j *CookieJar) CookiesFor(u *url.URL) []*http.Cookie {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return j.match(strings.ToLower(u.Hostname()), p, u.Scheme == "https")
}

func (j *CookieJar) match(host, path string, https bool) []*http.Cookie {
	now := j.now()
	var out []*http.Cookie
	for _, c := range j.cookies {
		if !c.expires.IsZero() && !c.expires.After(now) {
			continue
		}
		if c.secure && !https {
			continue
		}
		if !domainMatch(c, host) {
			continue
		}
		if path != "" && !pathMatch(c.path, path) {
			continue
		}
		hc := &http.Cookie{Name: c.name, Value: c.value, Domain: c.domain, Path: c.path, Secure: c.secure}
		if !c.expires.IsZero() {
			hc.Expires = c.expires
		}
		out = append(out, hc)
	}
	return out
}

func domainMatch(c jarCookie, host string) bool {
	return host == c.domain || strings.HasSuffix(host, "."+c.domain)
}

func pathMatch(cookiePath, reqPath string) bool {
	if cookiePath == reqPath || cookiePath == "/" {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}
