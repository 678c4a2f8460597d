package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/eventdesk/eventdesk-go/pkg/apperrors"
	"github.com/eventdesk/eventdesk-go/pkg/httpclient"
	"github.com/eventdesk/eventdesk-go/pkg/logger"
)

// State describes the session lifecycle. It is derived from the token and the
// in-flight refresh, never stored directly.
type State string

const (
	StateAnonymous     State = "anonymous"
	StateAuthenticated State = "authenticated"
	StateRefreshing    State = "refreshing"
)

// TopicStateChanged is the event-bus topic carrying (from, to) State pairs on
// every session transition. Consumers subscribe instead of polling the token
// store.
const TopicStateChanged = "session:state"

var refreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "session_refresh_total",
		Help: "Total number of token refresh attempts by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(refreshTotal)
}

// Manager owns the access token and the refresh state machine. Every request
// to a protected endpoint goes through Dispatch, which attaches the bearer
// token and transparently recovers from a single 401 by refreshing and
// replaying the request once.
type Manager struct {
	baseURL string
	http    httpclient.Doer
	store   TokenStore
	logger  *slog.Logger
	bus     evbus.Bus

	mu         sync.Mutex
	token      string
	refreshing bool

	flight singleflight.Group
}

// New creates a session manager. Any token previously persisted in store is
// picked up, so an authenticated session survives restarts.
func New(baseURL string, doer httpclient.Doer, store TokenStore, log *slog.Logger) *Manager {
	m := &Manager{
		baseURL: baseURL,
		http:    doer,
		store:   store,
		logger:  log,
		bus:     evbus.New(),
	}

	token, err := store.Load()
	if err != nil {
		log.Warn("could not load persisted token", slog.String("error", err.Error()))
	} else {
		m.token = token
	}

	return m
}

// State reports the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	switch {
	case m.refreshing:
		return StateRefreshing
	case m.token != "":
		return StateAuthenticated
	default:
		return StateAnonymous
	}
}

// Token returns the current access token, or "" when anonymous.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// OnStateChange subscribes fn to session state transitions.
func (m *Manager) OnStateChange(fn func(from, to State)) error {
	return m.bus.Subscribe(TopicStateChanged, fn)
}

// Claims decodes the current access token without verifying its signature.
// The client has no signing key; this is display-only data (whoami, expiry).
func (m *Manager) Claims() (jwt.MapClaims, error) {
	token := m.Token()
	if token == "" {
		return nil, apperrors.ErrUnauthorized
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	return claims, nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// Login establishes a session. On success the access token is stored and
// persisted, and the refresh credential arrives as an HTTP-only cookie on the
// shared cookie jar.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	resp, err := m.postJSON(ctx, "/auth/login", credentials{Email: email, Password: password})
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpclient.ParseResponseError(resp, "auth")
	}
	defer resp.Body.Close()

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("login response carried no access token")
	}

	m.storeToken(out.AccessToken)
	m.logger.Info("logged in", slog.String("email", email))
	return nil
}

// Register creates an account. It does not change the session.
func (m *Manager) Register(ctx context.Context, email, password string) error {
	resp, err := m.postJSON(ctx, "/auth/register", credentials{Email: email, Password: password})
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpclient.ParseResponseError(resp, "auth")
	}
	_ = resp.Body.Close()
	return nil
}

// Logout destroys the session locally: token cleared from memory and from the
// durable store.
func (m *Manager) Logout() error {
	err := m.clearToken()
	m.logger.Info("logged out")
	return err
}

// AttachAuth sets the Authorization header when a token is present and
// returns the token it attached, or "" when anonymous.
func (m *Manager) AttachAuth(req *http.Request) string {
	token := m.Token()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return token
}

// Dispatch sends an authenticated request. On a 401 response it refreshes the
// token (coalescing concurrent refreshes into one) and replays the request
// exactly once with the new token. A second 401 surfaces as AuthExpired and
// never triggers another refresh.
func (m *Manager) Dispatch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ensureReplayable(req); err != nil {
		return nil, err
	}

	ctx = logger.WithRequestID(ctx, uuid.NewString())
	log := logger.WithContext(ctx, m.logger)

	used := m.AttachAuth(req)
	resp, err := m.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_ = resp.Body.Close()

	log.Debug("request unauthorized, refreshing session",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
	)

	token, err := m.refreshAfter(ctx, used)
	if err != nil {
		return nil, apperrors.AuthExpired("session refresh failed")
	}

	replay, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}
	replay.Header.Set("Authorization", "Bearer "+token)

	resp, err = m.http.Do(ctx, replay)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		m.expire()
		return nil, apperrors.AuthExpired("request unauthorized after refresh")
	}
	return resp, nil
}

// refreshAfter exchanges the stale token for a fresh one. Callers that lost
// the race to an already-completed refresh reuse the rotated token without
// issuing another refresh call; callers that arrive while a refresh is in
// flight wait on its shared outcome.
func (m *Manager) refreshAfter(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	current := m.token
	m.mu.Unlock()
	if current != stale {
		if current == "" {
			// The session already ended (a refresh failed) while this
			// request was in flight.
			return "", apperrors.AuthExpired("session ended")
		}
		return current, nil
	}

	v, err, _ := m.flight.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh calls the refresh endpoint. Credentials ride the cookie jar, so the
// request itself carries no bearer header.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.markRefreshing()

	req, err := http.NewRequest(http.MethodPost, m.baseURL+"/auth/refresh", http.NoBody)
	if err != nil {
		m.expire()
		return "", fmt.Errorf("create refresh request: %w", err)
	}

	resp, err := m.http.Do(ctx, req)
	if err != nil {
		refreshTotal.WithLabelValues("failure").Inc()
		m.expire()
		return "", fmt.Errorf("refresh request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		refreshTotal.WithLabelValues("failure").Inc()
		err := httpclient.ParseResponseError(resp, "auth")
		m.expire()
		return "", err
	}
	defer resp.Body.Close()

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		refreshTotal.WithLabelValues("failure").Inc()
		m.expire()
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		refreshTotal.WithLabelValues("failure").Inc()
		m.expire()
		return "", fmt.Errorf("refresh response carried no access token")
	}

	m.storeToken(out.AccessToken)
	refreshTotal.WithLabelValues("success").Inc()
	m.logger.Info("session refreshed")
	return out.AccessToken, nil
}

// --- state transitions ---

func (m *Manager) markRefreshing() {
	m.mu.Lock()
	from := m.stateLocked()
	m.refreshing = true
	to := m.stateLocked()
	m.mu.Unlock()
	m.publish(from, to)
}

func (m *Manager) storeToken(token string) {
	m.mu.Lock()
	from := m.stateLocked()
	m.token = token
	m.refreshing = false
	to := m.stateLocked()
	m.mu.Unlock()

	if err := m.store.Save(token); err != nil {
		m.logger.Warn("could not persist token", slog.String("error", err.Error()))
	}
	m.publish(from, to)
}

func (m *Manager) clearToken() error {
	m.mu.Lock()
	from := m.stateLocked()
	m.token = ""
	m.refreshing = false
	to := m.stateLocked()
	m.mu.Unlock()

	err := m.store.Clear()
	m.publish(from, to)
	return err
}

// expire ends the session after an unrecoverable auth failure.
func (m *Manager) expire() {
	if err := m.clearToken(); err != nil {
		m.logger.Warn("could not clear persisted token", slog.String("error", err.Error()))
	}
}

func (m *Manager) publish(from, to State) {
	if from != to {
		m.bus.Publish(TopicStateChanged, from, to)
	}
}

// --- helpers ---

func (m *Manager) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return m.http.Do(ctx, req)
}

// ensureReplayable buffers the request body so the single post-refresh replay
// sends identical bytes.
func ensureReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		clone.Body = body
	}
	return clone, nil
}
