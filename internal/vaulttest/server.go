// Package vaulttest provides an in-memory fake Vault server for tests.
//
// The fake speaks enough of the Vault HTTP API for the client packages:
// token, AppRole, Kubernetes and AWS login; KV v2 data and metadata;
// database connections and credentials; and the sys endpoints used during
// bootstrap. It keeps shortcuts where real Vault would enforce policy: any
// live token may call any path.
//
// Example usage:
//
//	srv := vaulttest.New(t).
//	    WithAppRole("approle", "app", "role-id", "secret-id", time.Hour).
//	    WithKVMount("app1")
//
//	srv.ForbidNext(1) // next authenticated call gets a 403
package vaulttest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/vaultkit/internal/backend"
)

type token struct {
	id       string
	policies []string
	ttl      time.Duration
	issued   time.Time
	revoked  bool
}

func (t *token) expiresAt() time.Time {
	if t.ttl == 0 {
		return time.Time{}
	}
	return t.issued.Add(t.ttl)
}

func (t *token) live(now time.Time) bool {
	if t.revoked {
		return false
	}
	exp := t.expiresAt()
	return exp.IsZero() || now.Before(exp)
}

// Server is a fake Vault backend served over httptest.
type Server struct {
	srv *httptest.Server

	mu sync.Mutex

	tokens    map[string]*token
	rootToken string

	initialized bool
	sealed      bool
	threshold   int
	unsealKeys  []string
	progress    int

	mounts     map[string]string // secret engine path -> type
	authMounts map[string]string // auth path -> type
	policies   map[string]string

	approles  map[string]*appRole // mount + "/" + name
	loginable map[string]bool     // mount + "/" + role for kubernetes and aws
	kv        map[string]*kvMount
	db        map[string]*dbMount

	// Fault injection
	forbidNext int
	denyLogins int
	failNext   int
	failStatus int

	intercept func(method, path string)

	// Call tracking
	logins     int
	callCount  map[string]int
	namespaces []string
}

// New starts an initialized, unsealed fake and registers cleanup on t.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		tokens:      make(map[string]*token),
		initialized: true,
		mounts:      map[string]string{"sys": "system", "identity": "identity", "cubbyhole": "cubbyhole"},
		authMounts:  map[string]string{"token": "token"},
		policies:    map[string]string{"default": ""},
		approles:    make(map[string]*appRole),
		loginable:   make(map[string]bool),
		kv:          make(map[string]*kvMount),
		db:          make(map[string]*dbMount),
		callCount:   make(map[string]int),
	}
	s.rootToken = s.issueLocked([]string{"root"}, 0)

	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// Uninitialized resets the fake to a fresh, sealed instance with no root token.
func (s *Server) Uninitialized() *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, s.rootToken)
	s.rootToken = ""
	s.initialized = false
	s.sealed = true
	return s
}

// URL returns the base address of the fake.
func (s *Server) URL() string {
	return s.srv.URL
}

// Dialer returns a backend dialer pointed at the fake.
func (s *Server) Dialer() backend.Dialer {
	return backend.Dialer{Address: s.srv.URL, Timeout: 5 * time.Second}
}

// RootToken returns the current root token.
func (s *Server) RootToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootToken
}

// IssueToken creates a token with the given TTL. Zero means no expiry.
func (s *Server) IssueToken(ttl time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked([]string{"default"}, ttl)
}

// RevokeToken marks a token revoked.
func (s *Server) RevokeToken(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[id]; ok {
		tok.revoked = true
	}
}

// RevokeAllTokens revokes every token except root, simulating expiry of
// all outstanding sessions.
func (s *Server) RevokeAllTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tok := range s.tokens {
		if id != s.rootToken {
			tok.revoked = true
		}
	}
}

// ForbidNext makes the next n authenticated requests fail with 403.
func (s *Server) ForbidNext(n int) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forbidNext = n
	return s
}

// DenyLogins makes the next n login requests fail with 403.
func (s *Server) DenyLogins(n int) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denyLogins = n
	return s
}

// FailNext makes the next n requests of any kind fail with status.
func (s *Server) FailNext(n, status int) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failStatus = status
	return s
}

// Intercept registers fn to run before each request is handled, outside
// the server lock. Tests use it to mutate state between two client calls.
func (s *Server) Intercept(fn func(method, path string)) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = fn
	return s
}

// LoginCount returns the number of successful logins.
func (s *Server) LoginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// CallCount returns how many requests hit "METHOD path".
func (s *Server) CallCount(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount[method+" "+path]
}

// Namespaces returns the namespace header of every request seen.
func (s *Server) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.namespaces...)
}

// Policy returns an uploaded policy document.
func (s *Server) Policy(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[name]
	return p, ok
}

// MountType returns the engine type mounted at path.
func (s *Server) MountType(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounts[strings.Trim(path, "/")]
}

// AuthMountType returns the auth method type enabled at path.
func (s *Server) AuthMountType(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authMounts[strings.Trim(path, "/")]
}

// Sealed reports the seal state.
func (s *Server) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

func (s *Server) issueLocked(policies []string, ttl time.Duration) string {
	id := "hvs." + strings.ReplaceAll(uuid.NewString(), "-", "")
	s.tokens[id] = &token{id: id, policies: policies, ttl: ttl, issued: time.Now()}
	return id
}

type request struct {
	method string
	path   string
	query  map[string][]string
	body   map[string]interface{}
	token  *token
}

func (r *request) list() bool {
	return r.method == "LIST" || (r.method == http.MethodGet && len(r.query["list"]) > 0 && r.query["list"][0] == "true")
}

func (r *request) write() bool {
	return r.method == http.MethodPut || r.method == http.MethodPost
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/")

	req := &request{method: r.Method, path: strings.TrimSuffix(path, "/"), query: r.URL.Query()}
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &req.body); err != nil {
				writeErrors(w, http.StatusBadRequest, "failed to parse JSON input: "+err.Error())
				return
			}
		}
	}
	if req.body == nil {
		req.body = map[string]interface{}{}
	}

	s.mu.Lock()
	intercept := s.intercept
	s.mu.Unlock()
	if intercept != nil {
		intercept(r.Method, req.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount[r.Method+" "+req.path]++
	s.namespaces = append(s.namespaces, r.Header.Get("X-Vault-Namespace"))

	if s.failNext > 0 {
		s.failNext--
		writeErrors(w, s.failStatus, "injected failure")
		return
	}

	if strings.HasPrefix(req.path, "sys/init") || strings.HasPrefix(req.path, "sys/unseal") || strings.HasPrefix(req.path, "sys/seal-status") {
		s.handleSeal(w, req)
		return
	}

	if s.sealed {
		writeErrors(w, http.StatusServiceUnavailable, "Vault is sealed")
		return
	}

	if isLogin(req.path) {
		s.handleLogin(w, req)
		return
	}

	tok, ok := s.tokens[r.Header.Get("X-Vault-Token")]
	if !ok || !tok.live(time.Now()) {
		writeErrors(w, http.StatusForbidden, "permission denied", "invalid token")
		return
	}
	if s.forbidNext > 0 {
		s.forbidNext--
		writeErrors(w, http.StatusForbidden, "permission denied")
		return
	}
	req.token = tok

	switch {
	case strings.HasPrefix(req.path, "auth/token/"):
		s.handleToken(w, req)
	case strings.HasPrefix(req.path, "sys/"):
		s.handleSys(w, req)
	case strings.HasPrefix(req.path, "auth/"):
		s.handleAuthConfig(w, req)
	default:
		mount, rest := s.resolveMount(req.path)
		switch s.mounts[mount] {
		case "kv":
			s.handleKV(w, req, mount, rest)
		case "database":
			s.handleDatabase(w, req, mount, rest)
		default:
			writeErrors(w, http.StatusNotFound, fmt.Sprintf("no handler for route %q", req.path))
		}
	}
}

// resolveMount finds the longest mounted prefix of path.
func (s *Server) resolveMount(path string) (string, string) {
	var best string
	for m := range s.mounts {
		if (path == m || strings.HasPrefix(path, m+"/")) && len(m) > len(best) {
			best = m
		}
	}
	return best, strings.TrimPrefix(strings.TrimPrefix(path, best), "/")
}

func isLogin(path string) bool {
	return strings.HasPrefix(path, "auth/") && strings.HasSuffix(path, "/login")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrors(w http.ResponseWriter, status int, msgs ...string) {
	if msgs == nil {
		msgs = []string{}
	}
	writeJSON(w, status, map[string]interface{}{"errors": msgs})
}

func writeData(w http.ResponseWriter, data map[string]interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func noContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func stringList(v interface{}) []string {
	switch l := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, backend.String(item))
		}
		return out
	case string:
		if l == "" {
			return nil
		}
		return strings.Split(l, ",")
	default:
		return nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
