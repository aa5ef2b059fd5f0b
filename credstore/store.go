// Package credstore keeps per-host login credentials and imports browser
// cookies for authenticated downloads.
package credstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// ErrClosed is returned by every method of a closed Store.
var ErrClosed = errors.New("credential store is closed")

// Store is a credential file opened for lookup and editing. Each line of the
// file maps a host to "login:password" in dotenv syntax. Hyphens in host
// names are stored as underscores since dotenv keys cannot contain them.
//
// A Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	path   string
	hosts  map[string]entry
	dirty  bool
	closed bool
}

type entry struct {
	login, password string
}

// DefaultPath returns ~/.dataget/credentials.env.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot locate home directory")
	}
	return filepath.Join(home, ".dataget", "credentials.env"), nil
}

// Open reads the store at path. A missing file yields an empty store that
// is created on the first Save.
func Open(path string) (*Store, error) {
	s := &Store{path: path, hosts: make(map[string]entry)}
	env, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, errors.Wrapf(err, "reading credentials from %s", path)
	}
	for key, value := range env {
		login, password, ok := strings.Cut(value, ":")
		if !ok {
			return nil, errors.Errorf("%s: entry for %s is not in login:password form", path, decodeHost(key))
		}
		s.hosts[decodeHost(key)] = entry{login: login, password: password}
	}
	return s, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Lookup returns the credentials stored for host. A closed store has none.
func (s *Store) Lookup(host string) (string, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", "", false
	}
	e, ok := s.hosts[normalizeHost(host)]
	return e.login, e.password, ok
}

// Add stores credentials for host, replacing any existing entry.
func (s *Store) Add(host, login, password string) error {
	host = normalizeHost(host)
	switch {
	case host == "":
		return errors.New("host is required")
	case strings.Contains(login, ":"):
		return errors.New("login cannot contain ':'")
	case strings.Contains(host, "_"):
		return errors.Errorf("host %q contains '_'", host)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.hosts[host] = entry{login: login, password: password}
	s.dirty = true
	return nil
}

// Remove deletes the entry for host. It reports whether one existed.
func (s *Store) Remove(host string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	host = normalizeHost(host)
	if _, ok := s.hosts[host]; !ok {
		return false, nil
	}
	delete(s.hosts, host)
	s.dirty = true
	return true, nil
}

// Clear deletes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(s.hosts) > 0 {
		s.hosts = make(map[string]entry)
		s.dirty = true
	}
	return nil
}

// Hosts returns the hosts with stored credentials in sorted order.
func (s *Store) Hosts() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	hosts := make([]string, 0, len(s.hosts))
	for h := range s.hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Save writes the store to disk with owner-only permissions.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.save()
}

func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "creating credential directory")
	}
	env := make(map[string]string, len(s.hosts))
	for h, e := range s.hosts {
		env[encodeHost(h)] = e.login + ":" + e.password
	}
	content, err := godotenv.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encoding credentials")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content+"\n"), 0o600); err != nil {
		return errors.Wrap(err, "writing credentials")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "writing credentials")
	}
	s.dirty = false
	return nil
}

// Close saves pending changes. The store cannot be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var err error
	if s.dirty {
		err = s.save()
	}
	s.closed = true
	return err
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

func encodeHost(host string) string {
	return strings.ReplaceAll(host, "-", "_")
}

func decodeHost(key string) string {
	return normalizeHost(strings.ReplaceAll(key, "_", "-"))
}
