package vaulttest

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/vaultkit/internal/backend"
)

type appRole struct {
	name      string
	roleID    string
	secretIDs map[string]bool
	policies  []string
	ttl       time.Duration
}

// WithAppRole enables an AppRole mount (if needed) holding one role with a
// single valid secret ID.
func (s *Server) WithAppRole(mount, name, roleID, secretID string, ttl time.Duration) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authMounts[mount] = "approle"
	s.approles[mount+"/"+name] = &appRole{
		name:      name,
		roleID:    roleID,
		secretIDs: map[string]bool{secretID: true},
		policies:  []string{"default"},
		ttl:       ttl,
	}
	return s
}

// WithKubernetesRole enables a Kubernetes auth mount accepting any
// non-empty JWT for role.
func (s *Server) WithKubernetesRole(mount, role string, ttl time.Duration) *Server {
	return s.withLoginRole(mount, "kubernetes", role, ttl)
}

// WithAWSRole enables an AWS auth mount accepting signed STS requests for role.
func (s *Server) WithAWSRole(mount, role string, ttl time.Duration) *Server {
	return s.withLoginRole(mount, "aws", role, ttl)
}

func (s *Server) withLoginRole(mount, kind, role string, ttl time.Duration) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authMounts[mount] = kind
	s.approles[mount+"/"+role] = &appRole{name: role, policies: []string{"default"}, ttl: ttl}
	s.loginable[mount+"/"+role] = true
	return s
}

func (s *Server) handleLogin(w http.ResponseWriter, req *request) {
	mount := strings.TrimSuffix(strings.TrimPrefix(req.path, "auth/"), "/login")

	if s.denyLogins > 0 {
		s.denyLogins--
		writeErrors(w, http.StatusForbidden, "permission denied")
		return
	}

	var role *appRole
	switch s.authMounts[mount] {
	case "approle":
		roleID := backend.String(req.body["role_id"])
		secretID := backend.String(req.body["secret_id"])
		for key, r := range s.approles {
			if strings.HasPrefix(key, mount+"/") && r.roleID != "" && r.roleID == roleID {
				role = r
			}
		}
		if role == nil {
			writeErrors(w, http.StatusBadRequest, "invalid role ID")
			return
		}
		if !role.secretIDs[secretID] {
			writeErrors(w, http.StatusBadRequest, "invalid secret id")
			return
		}
	case "kubernetes":
		name := backend.String(req.body["role"])
		if backend.String(req.body["jwt"]) == "" {
			writeErrors(w, http.StatusBadRequest, "missing jwt")
			return
		}
		if !s.loginable[mount+"/"+name] {
			writeErrors(w, http.StatusBadRequest, "invalid role name \""+name+"\"")
			return
		}
		role = s.approles[mount+"/"+name]
	case "aws":
		name := backend.String(req.body["role"])
		if msg := checkIAMLogin(req.body); msg != "" {
			writeErrors(w, http.StatusBadRequest, msg)
			return
		}
		if !s.loginable[mount+"/"+name] {
			writeErrors(w, http.StatusBadRequest, "entry for role "+name+" not found")
			return
		}
		role = s.approles[mount+"/"+name]
	default:
		writeErrors(w, http.StatusNotFound, "no handler for route \""+req.path+"\"")
		return
	}

	s.logins++
	id := s.issueLocked(role.policies, role.ttl)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"auth": map[string]interface{}{
			"client_token":   id,
			"accessor":       uuid.NewString(),
			"policies":       role.policies,
			"token_policies": role.policies,
			"lease_duration": int(role.ttl.Seconds()),
			"renewable":      role.ttl > 0,
			"metadata":       map[string]string{"role_name": role.name},
		},
	})
}

func checkIAMLogin(body map[string]interface{}) string {
	if backend.String(body["iam_http_request_method"]) != http.MethodPost {
		return "iam_http_request_method must be POST"
	}
	rawURL, err := base64.StdEncoding.DecodeString(backend.String(body["iam_request_url"]))
	if err != nil || !strings.Contains(string(rawURL), "sts.") {
		return "invalid iam_request_url"
	}
	rawBody, err := base64.StdEncoding.DecodeString(backend.String(body["iam_request_body"]))
	if err != nil || !strings.Contains(string(rawBody), "Action=GetCallerIdentity") {
		return "invalid iam_request_body"
	}
	rawHeaders, err := base64.StdEncoding.DecodeString(backend.String(body["iam_request_headers"]))
	if err != nil {
		return "invalid iam_request_headers"
	}
	var headers map[string][]string
	if err := json.Unmarshal(rawHeaders, &headers); err != nil {
		return "invalid iam_request_headers"
	}
	auth := headers["Authorization"]
	if len(auth) == 0 || !strings.HasPrefix(auth[0], "AWS4-HMAC-SHA256") {
		return "request is not signed"
	}
	return ""
}

func (s *Server) handleToken(w http.ResponseWriter, req *request) {
	switch req.path {
	case "auth/token/lookup-self":
		tok := req.token
		var expire interface{}
		ttl := 0
		if exp := tok.expiresAt(); !exp.IsZero() {
			expire = exp.UTC().Format(time.RFC3339Nano)
			ttl = int(time.Until(exp).Seconds())
		}
		writeData(w, map[string]interface{}{
			"id":          tok.id,
			"policies":    tok.policies,
			"ttl":         ttl,
			"expire_time": expire,
			"issue_time":  tok.issued.UTC().Format(time.RFC3339Nano),
		})
	case "auth/token/revoke-self":
		req.token.revoked = true
		noContent(w)
	default:
		writeErrors(w, http.StatusNotFound, "unsupported path")
	}
}

// handleAuthConfig serves auth/<mount>/role/... management endpoints.
func (s *Server) handleAuthConfig(w http.ResponseWriter, req *request) {
	parts := strings.Split(strings.TrimPrefix(req.path, "auth/"), "/")
	if len(parts) < 3 || parts[1] != "role" {
		writeErrors(w, http.StatusNotFound, "unsupported path")
		return
	}
	mount, name := parts[0], parts[2]
	if s.authMounts[mount] == "" {
		writeErrors(w, http.StatusNotFound, "no handler for route \""+req.path+"\"")
		return
	}
	key := mount + "/" + name
	role := s.approles[key]

	switch {
	case len(parts) == 3 && req.write():
		if role == nil {
			role = &appRole{name: name, roleID: uuid.NewString(), secretIDs: map[string]bool{}}
			s.approles[key] = role
		}
		if p := stringList(req.body["token_policies"]); p != nil {
			role.policies = p
		} else if p := stringList(req.body["policies"]); p != nil {
			role.policies = p
		}
		if ttl, ok := parseTTL(req.body["token_ttl"]); ok {
			role.ttl = ttl
		}
		noContent(w)
	case len(parts) == 3 && req.method == http.MethodGet:
		if role == nil {
			writeErrors(w, http.StatusNotFound)
			return
		}
		writeData(w, map[string]interface{}{
			"token_policies": role.policies,
			"token_ttl":      int(role.ttl.Seconds()),
		})
	case len(parts) == 4 && parts[3] == "role-id" && req.method == http.MethodGet:
		if role == nil {
			writeErrors(w, http.StatusBadRequest, "role "+name+" does not exist")
			return
		}
		writeData(w, map[string]interface{}{"role_id": role.roleID})
	case len(parts) == 4 && parts[3] == "secret-id" && req.write():
		if role == nil {
			writeErrors(w, http.StatusBadRequest, "role "+name+" does not exist")
			return
		}
		secretID := uuid.NewString()
		role.secretIDs[secretID] = true
		writeData(w, map[string]interface{}{
			"secret_id":          secretID,
			"secret_id_accessor": uuid.NewString(),
			"secret_id_ttl":      0,
		})
	default:
		writeErrors(w, http.StatusMethodNotAllowed, "unsupported operation")
	}
}

// parseTTL accepts seconds as a number or a Go duration string.
func parseTTL(v interface{}) (time.Duration, bool) {
	if n, ok := backend.Int(v); ok {
		return time.Duration(n) * time.Second, true
	}
	if str, ok := v.(string); ok && str != "" {
		d, err := time.ParseDuration(str)
		return d, err == nil
	}
	return 0, false
}
