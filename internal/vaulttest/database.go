package vaulttest

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/vaultkit/internal/backend"
)

type dbRole struct {
	dbName string
	lease  time.Duration
}

type dbMount struct {
	connections map[string]map[string]interface{}
	writes      map[string]int
	roles       map[string]dbRole
}

func newDBMount() *dbMount {
	return &dbMount{
		connections: make(map[string]map[string]interface{}),
		writes:      make(map[string]int),
		roles:       make(map[string]dbRole),
	}
}

// WithDatabaseMount mounts a database secrets engine at path.
func (s *Server) WithDatabaseMount(path string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mountLocked(path, "database")
	return s
}

// WithDatabaseRole defines a role issuing credentials with the given lease.
func (s *Server) WithDatabaseRole(mount, role string, lease time.Duration) *Server {
	return s.WithDatabaseRoleFor(mount, role, "", lease)
}

// WithDatabaseRoleFor defines a role bound to the connection dbName.
func (s *Server) WithDatabaseRoleFor(mount, role, dbName string, lease time.Duration) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.db[mount]; !ok {
		s.mountLocked(mount, "database")
	}
	s.db[mount].roles[role] = dbRole{dbName: dbName, lease: lease}
	return s
}

// DatabaseConnection returns a registered connection config and its write count.
func (s *Server) DatabaseConnection(mount, name string) (map[string]interface{}, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.db[mount]
	if !ok {
		return nil, 0
	}
	return m.connections[name], m.writes[name]
}

func (s *Server) handleDatabase(w http.ResponseWriter, req *request, mount, rest string) {
	m := s.db[mount]

	switch {
	case strings.HasPrefix(rest, "config/"):
		name := strings.TrimPrefix(rest, "config/")
		if req.write() {
			if backend.String(req.body["plugin_name"]) == "" {
				writeErrors(w, http.StatusBadRequest, "plugin_name must be set")
				return
			}
			m.connections[name] = req.body
			m.writes[name]++
			noContent(w)
			return
		}
		conn, ok := m.connections[name]
		if !ok {
			writeErrors(w, http.StatusNotFound)
			return
		}
		public := make(map[string]interface{}, len(conn))
		for k, v := range conn {
			if k != "password" {
				public[k] = v
			}
		}
		writeData(w, public)

	case strings.HasPrefix(rest, "roles/") && req.write():
		name := strings.TrimPrefix(rest, "roles/")
		ttl, ok := parseTTL(req.body["default_ttl"])
		if !ok {
			ttl = time.Hour
		}
		m.roles[name] = dbRole{dbName: backend.String(req.body["db_name"]), lease: ttl}
		noContent(w)

	case strings.HasPrefix(rest, "roles/") && req.method == http.MethodGet:
		r, ok := m.roles[strings.TrimPrefix(rest, "roles/")]
		if !ok {
			writeErrors(w, http.StatusNotFound)
			return
		}
		writeData(w, map[string]interface{}{
			"db_name":     r.dbName,
			"default_ttl": int(r.lease.Seconds()),
		})

	case strings.HasPrefix(rest, "creds/") && req.method == http.MethodGet:
		role := strings.TrimPrefix(rest, "creds/")
		r, ok := m.roles[role]
		lease := r.lease
		if !ok {
			writeErrors(w, http.StatusBadRequest, fmt.Sprintf("unknown role: %s", role))
			return
		}
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"request_id":     uuid.NewString(),
			"lease_id":       fmt.Sprintf("%s/creds/%s/%s", mount, role, suffix[:24]),
			"lease_duration": int(lease.Seconds()),
			"renewable":      true,
			"data": map[string]interface{}{
				"username": fmt.Sprintf("v-%s-%s", role, suffix[:8]),
				"password": "A1a-" + suffix[8:28],
			},
		})

	default:
		writeErrors(w, http.StatusNotFound, "unsupported path")
	}
}
