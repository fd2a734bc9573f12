// Package session owns the console's credentials: login and password challenges,
// token storage, expiry, authenticated API calls, role routing and logout.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"lifeshot.org/internal/apierr"
	"lifeshot.org/internal/audit"
	"lifeshot.org/internal/ids"
	"lifeshot.org/internal/obs"
)

// ExpiryMargin is subtracted from the recorded expiry so a token is never sent in
// the last seconds of its life.
const ExpiryMargin = 15 * time.Second

const (
	defaultTimeout       = 10 * time.Second
	logoutNotifyTimeout  = 5 * time.Second
	challengeNewPassword = "NEW_PASSWORD_REQUIRED"
)

// TokenPreference selects which stored token is sent as the bearer credential.
type TokenPreference string

const (
	// PreferIDToken sends the id token and falls back to the access token.
	PreferIDToken TokenPreference = "id"
	// PreferAccessToken sends the access token and falls back to the id token.
	PreferAccessToken TokenPreference = "access"
)

// UnauthorizedPolicy decides what Do does after the API answers 401 or 403.
type UnauthorizedPolicy string

const (
	// LogoutOnUnauthorized clears the session and navigates to login.
	LogoutOnUnauthorized UnauthorizedPolicy = "logout"
	// WarnOnUnauthorized keeps the session and only logs, letting the user retry.
	WarnOnUnauthorized UnauthorizedPolicy = "warn"
)

// Screen is a navigation destination.
type Screen string

const (
	ScreenLogin     Screen = "login"
	ScreenManager   Screen = "manager"
	ScreenLifeguard Screen = "lifeguard"
)

// Navigator moves the user interface to a screen.
type Navigator interface {
	Navigate(screen Screen)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(Screen)

func (f NavigatorFunc) Navigate(s Screen) { f(s) }

// Stopper is anything Logout must stop before credentials are cleared, such as a
// running event synchronizer.
type Stopper interface {
	Stop()
}

// Session is the stored credential set.
type Session struct {
	AccessToken  string    `json:"-"`
	IDToken      string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Role         Role      `json:"role"`
	Username     string    `json:"username,omitempty"`
}

// Empty reports whether no token is stored.
func (s Session) Empty() bool {
	return s.AccessToken == "" && s.IDToken == ""
}

// Profile is the GET /auth/me response.
type Profile struct {
	OK       bool     `json:"ok"`
	Role     string   `json:"role"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Groups   []string `json:"groups"`
}

// NormalizedRole resolves the profile role, falling back to its groups.
func (p Profile) NormalizedRole() Role {
	if r := NormalizeRole(p.Role); r != RoleUnknown {
		return r
	}
	return RoleFromGroups(p.Groups)
}

// Manager is the session manager. It is safe for concurrent use.
type Manager struct {
	baseURL string
	client  *http.Client
	store   Store
	pref    TokenPreference
	policy  UnauthorizedPolicy
	nav     Navigator
	now     func() time.Time
	oauth   *oauth2.Config

	mu       sync.Mutex
	trackers []Stopper
}

// Option configures Manager behavior.
type Option func(*Manager) error

// WithStore selects the storage strategy.
func WithStore(s Store) Option {
	return func(m *Manager) error {
		if s == nil {
			return errors.New("session: nil store")
		}
		m.store = s
		return nil
	}
}

// WithHTTPClient overrides the client used for every auth and API call.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) error {
		if c != nil {
			m.client = c
		}
		return nil
	}
}

// WithTokenPreference selects which token is sent as bearer.
func WithTokenPreference(p TokenPreference) Option {
	return func(m *Manager) error {
		switch p {
		case PreferIDToken, PreferAccessToken:
			m.pref = p
			return nil
		case "":
			return nil
		}
		return fmt.Errorf("session: unknown token preference %q", p)
	}
}

// WithUnauthorizedPolicy selects the 401/403 behavior of Do.
func WithUnauthorizedPolicy(p UnauthorizedPolicy) Option {
	return func(m *Manager) error {
		switch p {
		case LogoutOnUnauthorized, WarnOnUnauthorized:
			m.policy = p
			return nil
		case "":
			return nil
		}
		return fmt.Errorf("session: unknown unauthorized policy %q", p)
	}
}

// WithNavigator installs the screen navigator.
func WithNavigator(n Navigator) Option {
	return func(m *Manager) error {
		if n != nil {
			m.nav = n
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithOAuth enables the hosted-UI code exchange and refresh_token grant.
func WithOAuth(cfg *oauth2.Config) Option {
	return func(m *Manager) error {
		m.oauth = cfg
		return nil
	}
}

// NewManager constructs a Manager for the API at baseURL.
func NewManager(baseURL string, opts ...Option) (*Manager, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("session: api base url is required")
	}
	m := &Manager{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		store:   NewMemoryStore(),
		pref:    PreferIDToken,
		policy:  LogoutOnUnauthorized,
		nav:     NavigatorFunc(func(Screen) {}),
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if js, ok := m.store.(interface{ Jar() http.CookieJar }); ok && m.client.Jar == nil {
		c := *m.client
		c.Jar = js.Jar()
		m.client = &c
	}
	return m, nil
}

// BaseURL returns the API base URL without trailing slash.
func (m *Manager) BaseURL() string { return m.baseURL }

type authResponse struct {
	OK           bool   `json:"ok"`
	Role         string `json:"role"`
	AccessToken  string `json:"accessToken"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	Challenge    string `json:"challenge"`
	Session      string `json:"session"`
	Username     string `json:"username"`
}

// Login posts credentials to POST /auth/login and stores the issued tokens. A
// password challenge is returned as *ChallengeError.
func (m *Manager) Login(ctx context.Context, username, password string) (Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Session{}, fmt.Errorf("%w: username and password are required", apierr.ErrInvalidCredentials)
	}
	return m.authenticate(ctx, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, username)
}

// CompleteNewPassword answers a NEW_PASSWORD_REQUIRED challenge and stores the
// issued tokens.
func (m *Manager) CompleteNewPassword(ctx context.Context, ch *ChallengeError, newPassword string) (Session, error) {
	if ch == nil || ch.Session == "" {
		return Session{}, fmt.Errorf("%w: missing challenge session", apierr.ErrInvalidCredentials)
	}
	if newPassword == "" {
		return Session{}, fmt.Errorf("%w: new password is required", apierr.ErrInvalidCredentials)
	}
	return m.authenticate(ctx, "/auth/complete-password", map[string]string{
		"username":    ch.Username,
		"session":     ch.Session,
		"newPassword": newPassword,
	}, ch.Username)
}

func (m *Manager) authenticate(ctx context.Context, path string, payload map[string]string, username string) (Session, error) {
	resp, err := m.send(ctx, http.MethodPost, path, payload, "")
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var body authResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return Session{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		ch := &ChallengeError{Challenge: body.Challenge, Session: body.Session, Username: body.Username}
		if ch.Challenge == "" {
			ch.Challenge = challengeNewPassword
		}
		if ch.Username == "" {
			ch.Username = username
		}
		return Session{}, ch
	}
	if resp.StatusCode/100 != 2 {
		return Session{}, fmt.Errorf("%w: %w", apierr.ErrInvalidCredentials, apierr.FromResponse(resp))
	}

	var body authResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if body.AccessToken == "" && body.IDToken == "" {
		return Session{}, fmt.Errorf("%w: no tokens issued", ErrInvalidResponse)
	}
	sess := Session{
		AccessToken:  body.AccessToken,
		IDToken:      body.IDToken,
		RefreshToken: body.RefreshToken,
		Role:         NormalizeRole(body.Role),
		Username:     body.Username,
	}
	if body.ExpiresIn > 0 {
		sess.ExpiresAt = m.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	if sess.Username == "" {
		sess.Username = username
	}
	sess = fillFromClaims(sess)

	if err := m.replace(ctx, sess); err != nil {
		return Session{}, err
	}
	_ = audit.LogEvent(audit.WithUser(ctx, sess.Username, string(sess.Role)), "session.login", map[string]any{"path": path})
	return sess, nil
}

// fillFromClaims completes role, username and expiry from the token claims when the
// auth response left them out.
func fillFromClaims(s Session) Session {
	for _, tok := range []string{s.IDToken, s.AccessToken} {
		if tok == "" {
			continue
		}
		c, err := ParseClaims(tok)
		if err != nil {
			continue
		}
		if s.Role == "" || s.Role == RoleUnknown {
			s.Role = c.Role()
		}
		if s.Username == "" {
			s.Username = c.Username
		}
		if s.ExpiresAt.IsZero() {
			s.ExpiresAt = c.ExpiresAt
		}
	}
	if s.Role == "" {
		s.Role = RoleUnknown
	}
	return s
}

// Load reads the stored session.
func (m *Manager) Load(ctx context.Context) (Session, error) {
	var s Session
	var err error
	get := func(key string) string {
		if err != nil {
			return ""
		}
		var v string
		v, err = m.store.Get(ctx, key)
		return v
	}
	s.AccessToken = get(KeyAccessToken)
	s.IDToken = get(KeyIDToken)
	s.RefreshToken = get(KeyRefreshToken)
	exp := get(KeyExpiresAt)
	role := get(KeyRole)
	s.Username = get(KeyUsername)
	if err != nil {
		return Session{}, err
	}
	if ms, perr := strconv.ParseInt(exp, 10, 64); perr == nil && ms > 0 {
		s.ExpiresAt = time.UnixMilli(ms)
	}
	s.Role = NormalizeRole(role)
	return s, nil
}

func (m *Manager) replace(ctx context.Context, s Session) error {
	if err := m.store.Delete(ctx, Keys...); err != nil {
		return fmt.Errorf("session: clear store: %w", err)
	}
	return m.save(ctx, s)
}

// save writes the non-empty fields of s, leaving other keys untouched.
func (m *Manager) save(ctx context.Context, s Session) error {
	values := []struct{ key, value string }{
		{KeyAccessToken, s.AccessToken},
		{KeyIDToken, s.IDToken},
		{KeyRefreshToken, s.RefreshToken},
		{KeyRole, string(s.Role)},
		{KeyUsername, s.Username},
	}
	if !s.ExpiresAt.IsZero() {
		values = append(values, struct{ key, value string }{KeyExpiresAt, strconv.FormatInt(s.ExpiresAt.UnixMilli(), 10)})
	}
	for _, kv := range values {
		if kv.value == "" {
			continue
		}
		if err := m.store.Set(ctx, kv.key, kv.value); err != nil {
			return fmt.Errorf("session: store %s: %w", kv.key, err)
		}
	}
	return nil
}

// BearerToken returns the token selected by the configured preference, or "" when
// none is stored.
func (m *Manager) BearerToken(ctx context.Context) string {
	s, err := m.Load(ctx)
	if err != nil {
		obs.Warn("session_load_failed", map[string]any{"error": err})
		return ""
	}
	return m.pick(s)
}

func (m *Manager) pick(s Session) string {
	if m.pref == PreferAccessToken {
		if s.AccessToken != "" {
			return s.AccessToken
		}
		return s.IDToken
	}
	if s.IDToken != "" {
		return s.IDToken
	}
	return s.AccessToken
}

// IsExpired reports whether now is past expiry minus ExpiryMargin. A session with
// no recorded expiry never expires.
func (m *Manager) IsExpired(ctx context.Context) bool {
	s, err := m.Load(ctx)
	if err != nil {
		return false
	}
	return m.expired(s)
}

func (m *Manager) expired(s Session) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return m.now().After(s.ExpiresAt.Add(-ExpiryMargin))
}

// Role returns the stored role, or RoleUnknown.
func (m *Manager) Role(ctx context.Context) Role {
	s, err := m.Load(ctx)
	if err != nil {
		return RoleUnknown
	}
	return s.Role
}

// Do performs an API request. The bearer header is attached only when a
// non-expired token is stored; otherwise the request goes out without it and the
// API decides. A 401 or 403 answer is returned as apierr.ErrUnauthorized after the
// configured policy has run; the response body is already closed in that case.
// Any other response is returned as is and the caller must close its body.
func (m *Manager) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	s, err := m.Load(ctx)
	if err != nil {
		obs.Warn("session_load_failed", map[string]any{"error": err})
	}
	if m.expired(s) && s.RefreshToken != "" && m.oauth != nil {
		if fresh, rerr := m.Refresh(ctx); rerr == nil {
			s = fresh
		} else {
			obs.Warn("session_refresh_failed", map[string]any{"error": rerr})
		}
	}
	token := ""
	if !m.expired(s) {
		token = m.pick(s)
	}

	resp, err := m.send(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}
	if apierr.IsAuthStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		m.unauthorized(ctx, method, path, resp.StatusCode)
		return nil, fmt.Errorf("%s %s: %w (status %d)", method, path, apierr.ErrUnauthorized, resp.StatusCode)
	}
	return resp, nil
}

func (m *Manager) unauthorized(ctx context.Context, method, path string, status int) {
	fields := map[string]any{
		"method": method,
		"path":   path,
		"status": status,
		"policy": string(m.policy),
	}
	obs.Warn("api_unauthorized", fields)
	if m.policy == LogoutOnUnauthorized {
		if err := m.Logout(context.WithoutCancel(ctx)); err != nil {
			obs.Warn("logout_failed", map[string]any{"error": err})
		}
	}
}

// send issues a request with the given bearer token ("" for none).
func (m *Manager) send(ctx context.Context, method, path string, body any, token string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", ids.New())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		obs.APIRequestsTotal.WithLabelValues(method, path, "error").Inc()
		return nil, apierr.Network(method+" "+path, err)
	}
	obs.APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// Me fetches GET /auth/me and records the returned role when the stored one is
// missing.
func (m *Manager) Me(ctx context.Context) (Profile, error) {
	resp, err := m.Do(ctx, http.MethodGet, "/auth/me", nil)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Profile{}, apierr.FromResponse(resp)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if role := p.NormalizedRole(); role != RoleUnknown && m.Role(ctx) == RoleUnknown {
		if err := m.store.Set(ctx, KeyRole, string(role)); err != nil {
			obs.Warn("session_store_failed", map[string]any{"error": err})
		}
	}
	return p, nil
}

// RouteByRole navigates to the screen for role. An unknown role returns
// ErrUnknownRole with ScreenLogin and does not navigate.
func (m *Manager) RouteByRole(role Role) (Screen, error) {
	var screen Screen
	switch NormalizeRole(string(role)) {
	case RoleAdmin:
		screen = ScreenManager
	case RoleLifeguard:
		screen = ScreenLifeguard
	default:
		return ScreenLogin, fmt.Errorf("%w: %q", ErrUnknownRole, string(role))
	}
	m.nav.Navigate(screen)
	return screen, nil
}

// Track registers s to be stopped by Logout. The returned func unregisters it.
func (m *Manager) Track(s Stopper) func() {
	m.mu.Lock()
	m.trackers = append(m.trackers, s)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, t := range m.trackers {
			if t == s {
				m.trackers = append(m.trackers[:i], m.trackers[i+1:]...)
				return
			}
		}
	}
}

// Logout stops every tracked poller, notifies the auth service (failures are only
// logged), clears stored credentials and navigates to login. Stopping comes first
// so no poll runs against a half-cleared session.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	trackers := m.trackers
	m.trackers = nil
	m.mu.Unlock()
	for _, t := range trackers {
		t.Stop()
	}

	s, _ := m.Load(ctx)
	m.notifyLogout(ctx, m.pick(s))

	err := m.store.Delete(ctx, Keys...)
	if err != nil {
		err = fmt.Errorf("session: clear store: %w", err)
	}
	_ = audit.LogEvent(audit.WithUser(ctx, s.Username, string(s.Role)), "session.logout", map[string]any{"stopped": len(trackers)})
	m.nav.Navigate(ScreenLogin)
	return err
}

func (m *Manager) notifyLogout(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(ctx, logoutNotifyTimeout)
	defer cancel()
	resp, err := m.send(ctx, http.MethodPost, "/auth/logout", nil, token)
	if err != nil {
		obs.Warn("logout_notify_failed", map[string]any{"error": err})
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		obs.Warn("logout_notify_failed", map[string]any{"status": resp.StatusCode})
	}
}
