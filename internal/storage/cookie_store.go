// internal/storage/cookie_store.go
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// CookieScope holds the attributes a cookie is written with. Deleting a
// cookie only works when these match the ones used on write.
type CookieScope struct {
	Domain string
	Path   string
	Secure bool
}

// CookieStore is the cookie tier of one device. Inside an exchange (see
// Bind) it reads the browser's request cookies and answers with Set-Cookie
// headers. Writes made outside one, from a socket or background work, land
// in a local jar and are queued for the device's next response.
type CookieStore struct {
	mu     sync.Mutex
	jar    http.CookieJar
	site   *url.URL
	scope  CookieScope
	queued []*http.Cookie
	seen   map[string]struct{}
	// expired names stay gone even if an older request still carries them
	expired map[string]struct{}
}

func NewCookieStore(siteURL string, scope CookieScope) (*CookieStore, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("parse site url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("site url %q has no host", siteURL)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if scope.Path == "" {
		scope.Path = "/"
	}
	return &CookieStore{
		jar:     jar,
		site:    u,
		scope:   scope,
		seen:    map[string]struct{}{},
		expired: map[string]struct{}{},
	}, nil
}

// Jar exposes the local jar, e.g. to share it with an http.Client
func (s *CookieStore) Jar() http.CookieJar {
	return s.jar
}

// Exchange is one browser round trip as seen by a CookieStore: the cookies
// the request carried and, when headers can still be written, the response.
type Exchange struct {
	store   *CookieStore
	cookies []*http.Cookie
	w       http.ResponseWriter

	mu      sync.Mutex
	written map[string]*http.Cookie
}

type exchangeKey struct{}

// Bind starts an exchange for r. A nil w makes it read-only, which is what a
// long-lived socket gets from its upgrade request. Cookies queued while no
// response was available are flushed into w.
func (s *CookieStore) Bind(w http.ResponseWriter, r *http.Request) *Exchange {
	ex := &Exchange{
		store:   s,
		cookies: r.Cookies(),
		w:       w,
		written: map[string]*http.Cookie{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range ex.cookies {
		s.seen[c.Name] = struct{}{}
	}
	for _, c := range s.queued {
		ex.written[c.Name] = c
		if w != nil {
			http.SetCookie(w, c)
		}
	}
	if w != nil {
		s.queued = nil
	}
	return ex
}

// WithExchange attaches ex to ctx; the store it was bound on picks it up
func WithExchange(ctx context.Context, ex *Exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, ex)
}

func (s *CookieStore) exchange(ctx context.Context) *Exchange {
	if ctx == nil {
		return nil
	}
	ex, _ := ctx.Value(exchangeKey{}).(*Exchange)
	if ex == nil || ex.store != s {
		return nil
	}
	return ex
}

func (s *CookieStore) Get(ctx context.Context, key string) (string, error) {
	ex := s.exchange(ctx)
	if ex != nil {
		ex.mu.Lock()
		c, ok := ex.written[key]
		ex.mu.Unlock()
		if ok {
			if c.MaxAge < 0 {
				return "", ErrNotFound
			}
			return decodeCookie(c)
		}
		if ex.w != nil {
			return findCookie(ex.cookies, key)
		}
	}

	s.mu.Lock()
	local := s.jar.Cookies(s.site)
	_, gone := s.expired[key]
	s.mu.Unlock()
	v, err := findCookie(local, key)
	if errors.Is(err, ErrNotFound) && ex != nil && !gone {
		return findCookie(ex.cookies, key)
	}
	return v, err
}

func (s *CookieStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c := s.cookie(key, s.scope)
	c.Value = base64.RawURLEncoding.EncodeToString([]byte(value))
	if ttl > 0 {
		c.MaxAge = int(math.Ceil(ttl.Seconds()))
	}
	c.HttpOnly = true
	c.SameSite = http.SameSiteLaxMode
	s.write(ctx, c)
	return nil
}

func (s *CookieStore) Delete(ctx context.Context, key string) error {
	c := s.cookie(key, s.scope)
	c.MaxAge = -1
	s.write(ctx, c)
	return nil
}

// DeletePrefix expires every known cookie whose name starts with prefix,
// under each scope variant it could have been written with.
func (s *CookieStore) DeletePrefix(ctx context.Context, prefix string) error {
	names := map[string]struct{}{}
	if ex := s.exchange(ctx); ex != nil {
		for _, c := range ex.cookies {
			names[c.Name] = struct{}{}
		}
	}
	s.mu.Lock()
	for name := range s.seen {
		names[name] = struct{}{}
	}
	for _, c := range s.jar.Cookies(s.site) {
		names[c.Name] = struct{}{}
	}
	s.mu.Unlock()

	var expired []*http.Cookie
	for name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for _, scope := range s.variants() {
			e := s.cookie(name, scope)
			e.MaxAge = -1
			expired = append(expired, e)
		}
	}
	if len(expired) > 0 {
		s.write(ctx, expired...)
	}
	return nil
}

// write sends cookies to the browser when the exchange allows it and keeps
// the local jar in step either way.
func (s *CookieStore) write(ctx context.Context, cookies ...*http.Cookie) {
	ex := s.exchange(ctx)
	direct := ex != nil && ex.w != nil

	if ex != nil {
		ex.mu.Lock()
		for _, c := range cookies {
			ex.written[c.Name] = c
			if direct {
				http.SetCookie(ex.w, c)
			}
		}
		ex.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	names := map[string]struct{}{}
	for _, c := range cookies {
		names[c.Name] = struct{}{}
		s.seen[c.Name] = struct{}{}
		if c.MaxAge < 0 {
			s.expired[c.Name] = struct{}{}
		} else {
			delete(s.expired, c.Name)
		}
	}
	kept := s.queued[:0]
	for _, c := range s.queued {
		if _, ok := names[c.Name]; !ok {
			kept = append(kept, c)
		}
	}
	s.queued = kept
	if !direct {
		s.queued = append(s.queued, cookies...)
	}
	s.jar.SetCookies(s.site, cookies)
}

func findCookie(cookies []*http.Cookie, key string) (string, error) {
	for _, c := range cookies {
		if c.Name == key {
			return decodeCookie(c)
		}
	}
	return "", ErrNotFound
}

func decodeCookie(c *http.Cookie) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return "", fmt.Errorf("%w: cookie %s: %v", ErrCorrupt, c.Name, err)
	}
	return string(raw), nil
}

func (s *CookieStore) cookie(name string, scope CookieScope) *http.Cookie {
	return &http.Cookie{
		Name:   name,
		Path:   scope.Path,
		Domain: scope.Domain,
		Secure: scope.Secure,
	}
}

// variants lists host-only, configured domain and dotted domain, each with
// both secure flags, on the configured path and on "/".
func (s *CookieStore) variants() []CookieScope {
	domains := []string{""}
	host := s.site.Hostname()
	if d := strings.TrimPrefix(s.scope.Domain, "."); d != "" {
		domains = append(domains, d, "."+d)
	} else if host != "" && host != "localhost" {
		domains = append(domains, host, "."+host)
	}
	paths := []string{s.scope.Path}
	if s.scope.Path != "/" {
		paths = append(paths, "/")
	}

	var out []CookieScope
	for _, d := range domains {
		for _, p := range paths {
			for _, secure := range []bool{false, true} {
				out = append(out, CookieScope{Domain: d, Path: p, Secure: secure})
			}
		}
	}
	return out
}
