package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Storage keys shared by every Store implementation.
const (
	KeyAccessToken  = "accessToken"
	KeyIDToken      = "idToken"
	KeyRefreshToken = "refreshToken"
	KeyExpiresAt    = "expiresAt"
	KeyRole         = "role"
	KeyUsername     = "username"
)

// Keys lists every key the manager writes, in the order Clear removes them.
var Keys = []string{KeyAccessToken, KeyIDToken, KeyRefreshToken, KeyExpiresAt, KeyRole, KeyUsername}

// Store persists session values by key. A missing key reads as "" with no error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key], nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// FileStore keeps values in a JSON object on disk, readable only by the owner.
// It is the console's equivalent of browser localStorage.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", s.path, err)
	}
	values := map[string]string{}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", s.path, err)
	}
	return values, nil
}

func (s *FileStore) write(values map[string]string) error {
	if len(values) == 0 {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("session: remove %s: %w", s.path, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("session: create dir: %w", err)
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.read()
	if err != nil {
		return "", err
	}
	return values[key], nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.read()
	if err != nil {
		return err
	}
	values[key] = value
	return s.write(values)
}

func (s *FileStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.read()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(values, k)
	}
	return s.write(values)
}

// CookieStore keeps values as cookies scoped to the API origin. The jar is shared
// with the HTTP client (see Jar), so cookies set by the auth service are sent back
// on later calls, as a same-site browser deployment would do. With a non-empty
// path the origin's cookies are saved to that file (0600) after every change and
// loaded back by the next NewCookieStore, so a session survives across commands.
type CookieStore struct {
	mu   sync.Mutex
	jar  *cookiejar.Jar
	u    *url.URL
	file *FileStore
}

// NewCookieStore builds a jar-backed store for the API at baseURL, restoring the
// cookies saved at path. An empty path keeps the jar in memory only.
func NewCookieStore(baseURL, path string) (*CookieStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("session: invalid cookie origin %q", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	s := &CookieStore{jar: jar, u: &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}}
	if path == "" {
		return s, nil
	}
	s.file = NewFileStore(path)
	saved, err := s.file.read()
	if err != nil {
		return nil, err
	}
	cookies := make([]*http.Cookie, 0, len(saved))
	for name, value := range saved {
		cookies = append(cookies, s.cookie(name, value))
	}
	s.jar.SetCookies(s.u, cookies)
	return s, nil
}

// Jar returns the cookie jar to install on the API http.Client.
func (s *CookieStore) Jar() http.CookieJar { return s.jar }

func (s *CookieStore) cookie(name, escaped string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    escaped,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.u.Scheme == "https",
		SameSite: http.SameSiteStrictMode,
	}
}

// save writes the origin's cookies, including any the auth service set, to disk.
func (s *CookieStore) save() error {
	if s.file == nil {
		return nil
	}
	values := map[string]string{}
	for _, c := range s.jar.Cookies(s.u) {
		values[c.Name] = c.Value
	}
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	return s.file.write(values)
}

func (s *CookieStore) Get(_ context.Context, key string) (string, error) {
	for _, c := range s.jar.Cookies(s.u) {
		if c.Name == key {
			v, err := url.QueryUnescape(c.Value)
			if err != nil {
				return c.Value, nil
			}
			return v, nil
		}
	}
	return "", nil
}

func (s *CookieStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jar.SetCookies(s.u, []*http.Cookie{s.cookie(key, url.QueryEscape(value))})
	return s.save()
}

func (s *CookieStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cookies := make([]*http.Cookie, 0, len(keys))
	for _, k := range keys {
		cookies = append(cookies, &http.Cookie{Name: k, Path: "/", MaxAge: -1})
	}
	s.jar.SetCookies(s.u, cookies)
	return s.save()
}

// RedisStore keeps values in Redis under prefix+key so several consoles (for
// example kiosk screens at one pool) can share a signed-in session.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. An empty prefix defaults to "lifeshot:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lifeshot:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: redis get: %w", err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}
