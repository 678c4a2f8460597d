package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eventdesk/eventdesk-go/pkg/apperrors"
	"github.com/eventdesk/eventdesk-go/pkg/httpclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDoer() httpclient.Doer {
	return httpclient.New(httpclient.Config{
		Timeout:         5 * time.Second,
		MaxRetries:      0,
		MaxConnsPerHost: 10,
	})
}

func newTestManager(t *testing.T, baseURL string) *Manager {
	t.Helper()
	return New(baseURL, testDoer(), NewMemoryStore(), testLogger())
}

// --- Mock token store ---

type mockTokenStore struct {
	mock.Mock
}

func (m *mockTokenStore) Load() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *mockTokenStore) Save(token string) error {
	args := m.Called(token)
	return args.Error(0)
}

func (m *mockTokenStore) Clear() error {
	args := m.Called()
	return args.Error(0)
}

// --- authServer is a scripted API double for the auth flow ---

type authServer struct {
	*httptest.Server

	mu            sync.Mutex
	currentToken  string
	refreshCalls  int32
	refreshGate   chan struct{} // refresh handler blocks until closed (nil = no gate)
	refreshFails  bool
	protectedHits int32 // total requests served on /protected
	unauthorized  int32 // number of 401s served on /protected
	bodies        []string
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	s := &authServer{currentToken: "token-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds struct{ Email, Password string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if creds.Password != "correct" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"invalid credentials"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: "rt-1", HttpOnly: true})
		s.mu.Lock()
		token := s.currentToken
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": token})
	})
	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var creds struct{ Email, Password string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		gate := s.refreshGate
		s.mu.Unlock()
		if gate != nil {
			<-gate
		}
		atomic.AddInt32(&s.refreshCalls, 1)
		if s.refreshFails {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"refresh token expired"}`))
			return
		}
		s.mu.Lock()
		s.currentToken = fmt.Sprintf("token-%d", atomic.LoadInt32(&s.refreshCalls)+1)
		token := s.currentToken
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": token})
	})
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.protectedHits, 1)
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			if len(data) > 0 {
				s.mu.Lock()
				s.bodies = append(s.bodies, string(data))
				s.mu.Unlock()
			}
		}
		s.mu.Lock()
		want := "Bearer " + s.currentToken
		s.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			atomic.AddInt32(&s.unauthorized, 1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

func protectedRequest(t *testing.T, baseURL, body string) *http.Request {
	t.Helper()
	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(http.MethodGet, baseURL+"/protected", http.NoBody)
	} else {
		req, err = http.NewRequest(http.MethodPost, baseURL+"/protected", strings.NewReader(body))
	}
	require.NoError(t, err)
	return req
}

// --- Login / logout ---

func TestLogin_StoresAndPersistsToken(t *testing.T) {
	server := newAuthServer(t)

	store := &mockTokenStore{}
	store.On("Load").Return("", nil)
	store.On("Save", "token-1").Return(nil)

	m := New(server.URL, testDoer(), store, testLogger())
	require.NoError(t, m.Login(context.Background(), "a@b.c", "correct"))

	assert.Equal(t, "token-1", m.Token())
	assert.Equal(t, StateAuthenticated, m.State())
	store.AssertCalled(t, "Save", "token-1")
}

func TestLogin_BadCredentials(t *testing.T) {
	server := newAuthServer(t)
	m := newTestManager(t, server.URL)

	err := m.Login(context.Background(), "a@b.c", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")
	assert.Equal(t, StateAnonymous, m.State())
}

func TestRegister_DoesNotEstablishSession(t *testing.T) {
	server := newAuthServer(t)
	m := newTestManager(t, server.URL)

	require.NoError(t, m.Register(context.Background(), "new@b.c", "secret"))

	assert.Equal(t, StateAnonymous, m.State())
	assert.Empty(t, m.Token())
}

func TestLogout_ClearsTokenAndStore(t *testing.T) {
	server := newAuthServer(t)
	store := NewMemoryStore()
	m := New(server.URL, testDoer(), store, testLogger())
	require.NoError(t, m.Login(context.Background(), "a@b.c", "correct"))

	require.NoError(t, m.Logout())
	assert.Equal(t, StateAnonymous, m.State())
	assert.Empty(t, m.Token())

	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestNew_PicksUpPersistedToken(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save("persisted-token"))

	m := New("http://unused", testDoer(), store, testLogger())
	assert.Equal(t, "persisted-token", m.Token())
	assert.Equal(t, StateAuthenticated, m.State())
}

// --- Dispatch: refresh and replay ---

func TestDispatch_RefreshesAndReplaysOn401(t *testing.T) {
	server := newAuthServer(t)
	m := newTestManager(t, server.URL)
	require.NoError(t, m.Login(context.Background(), "a@b.c", "correct"))

	// Rotate the server-side token so the stored one is now stale.
	server.mu.Lock()
	server.currentToken = "token-99"
	server.mu.Unlock()

	resp, err := m.Dispatch(context.Background(), protectedRequest(t, server.URL, ""))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&server.refreshCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&server.protectedHits),
		"original attempt plus exactly one replay")
	assert.Equal(t, StateAuthenticated, m.State())
	assert.NotEqual(t, "token-1", m.Token(), "token should have rotated")
}

func TestDispatch_ReplayResendsIdenticalBody(t *testing.T) {
	server := newAuthServer(t)
	m := newTestManager(t, server.URL)
	require.NoError(t, m.Login(context.Background(), "a@b.c", "correct"))

	server.mu.Lock()
	server.currentToken = "token-99"
	server.mu.Unlock()

	resp, err := m.Dispatch(context.Background(), protectedRequest(t, server.URL, `{"name":"GopherCon"}`))
	require.NoError(t, err)
	resp.Body.Close()

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.bodies, 2, "original attempt plus one replay")
	assert.Equal(t, server.bodies[0], server.bodies[1])
}

func TestDispatch_SingleRefreshForConcurrentRequests(t *testing.T) {
	const n = 8

	server := newAuthServer(t)
	m := newTestManager(t, server.URL)
	require.NoError(t, m.Login(context.Background(), "a@b.c", "correct"))

	server.mu.Lock()
	server.currentToken = "token-99"
	server.mu.Unlock()

	// Hold the refresh open until every request has had a chance to fail
	// with 401 and pile up behind it.
	gate := make(chan struct{})
	server.mu.Lock()
	server.refreshGate = gate
	server.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := m.Dispatch(context.Background(), protectedRequest(t, server.URL, ""))
			if err == nil {
				resp.Body.Close()
			}
			errs[i] = err
		}(i)
	}

	// Wait until all n requests hit the protected endpoint with the stale
	// token before releasing the refresh.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&server.unauthorized) >= n
	}, 5*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&server.refreshCalls),
		"all concurrent 401s must share one refresh")
}

func TestDispatch_SecondUnauthorizedSurfacesAuthExpired(t *testing.T) {
	var refreshCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": "fresh-token"})
	})
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	stubborn := httptest.NewServer(mux)
	defer stubborn.Close()

	m := newTestManager(t, stubborn.URL)
	m.storeToken("stale")

	_, err := m.Dispatch(context.Background(), protectedRequest(t, stubborn.URL, ""))
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthExpired(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls),
		"a replayed 401 must not trigger a second refresh")
	assert.Equal(t, StateAnonymous, m.State())
}

func TestDispatch_RefreshFailureEndsSession(t *testing.T) {
	server := newAuthServer(t)
	server.refreshFails = true

	store := NewMemoryStore()
	m := New(server.URL, testDoer(), store, testLogger())
	require.NoError(t, m.Login(context.Background(), "a@b.c", "correct"))

	server.mu.Lock()
	server.currentToken = "token-99"
	server.mu.Unlock()

	_, err := m.Dispatch(context.Background(), protectedRequest(t, server.URL, ""))
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthExpired(err))
	assert.Equal(t, StateAnonymous, m.State())

	persisted, lerr := store.Load()
	require.NoError(t, lerr)
	assert.Empty(t, persisted, "refresh failure must clear the durable token")
}

func TestDispatch_RefreshFailureRejectsAllQueuedRequests(t *testing.T) {
	const n = 5

	server := newAuthServer(t)
	server.refreshFails = true
	m := newTestManager(t, server.URL)
	require.NoError(t, m.Login(context.Background(), "a@b.c", "correct"))

	server.mu.Lock()
	server.currentToken = "token-99"
	server.mu.Unlock()

	gate := make(chan struct{})
	server.mu.Lock()
	server.refreshGate = gate
	server.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Dispatch(context.Background(), protectedRequest(t, server.URL, ""))
		}(i)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&server.unauthorized) >= n
	}, 5*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		require.Error(t, err, "request %d", i)
		assert.True(t, apperrors.IsAuthExpired(err), "request %d", i)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&server.refreshCalls))
}

func TestDispatch_NoRefreshWhenTokenAlreadyRotated(t *testing.T) {
	server := newAuthServer(t)
	m := newTestManager(t, server.URL)
	require.NoError(t, m.Login(context.Background(), "a@b.c", "correct"))

	// Simulate another caller having finished a refresh after this request
	// was sent with the stale token.
	server.mu.Lock()
	server.currentToken = "token-1" // matches the manager's current token
	server.mu.Unlock()

	token, err := m.refreshAfter(context.Background(), "stale-token")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, int32(0), atomic.LoadInt32(&server.refreshCalls),
		"an already-rotated token must be reused without a refresh call")
}

// --- State machine and notifications ---

func TestOnStateChange_PublishesTransitions(t *testing.T) {
	server := newAuthServer(t)
	m := newTestManager(t, server.URL)

	var mu sync.Mutex
	var transitions []string
	require.NoError(t, m.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
		mu.Unlock()
	}))

	require.NoError(t, m.Login(context.Background(), "a@b.c", "correct"))
	require.NoError(t, m.Logout())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 2 &&
			transitions[0] == "anonymous->authenticated" &&
			transitions[1] == "authenticated->anonymous"
	}, time.Second, 5*time.Millisecond)
}

func TestOnStateChange_RefreshFailurePath(t *testing.T) {
	server := newAuthServer(t)
	server.refreshFails = true
	m := newTestManager(t, server.URL)
	require.NoError(t, m.Login(context.Background(), "a@b.c", "correct"))

	var mu sync.Mutex
	var transitions []string
	require.NoError(t, m.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
		mu.Unlock()
	}))

	server.mu.Lock()
	server.currentToken = "token-99"
	server.mu.Unlock()

	_, err := m.Dispatch(context.Background(), protectedRequest(t, server.URL, ""))
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 2 &&
			transitions[0] == "authenticated->refreshing" &&
			transitions[1] == "refreshing->anonymous"
	}, time.Second, 5*time.Millisecond)
}

// --- Claims ---

func TestClaims_DecodesWithoutVerification(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-42",
		"email": "a@b.c",
	}).SignedString([]byte("server-side-secret"))
	require.NoError(t, err)

	store := NewMemoryStore()
	require.NoError(t, store.Save(signed))
	m := New("http://unused", testDoer(), store, testLogger())

	claims, err := m.Claims()
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims["sub"])
	assert.Equal(t, "a@b.c", claims["email"])
}

func TestClaims_AnonymousSession(t *testing.T) {
	m := New("http://unused", testDoer(), NewMemoryStore(), testLogger())
	_, err := m.Claims()
	require.Error(t, err)
}

// --- AttachAuth ---

func TestAttachAuth(t *testing.T) {
	m := New("http://unused", testDoer(), NewMemoryStore(), testLogger())

	req, _ := http.NewRequest(http.MethodGet, "http://unused/events", http.NoBody)
	assert.Empty(t, m.AttachAuth(req))
	assert.Empty(t, req.Header.Get("Authorization"))

	m.storeToken("tok")
	assert.Equal(t, "tok", m.AttachAuth(req))
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
}
