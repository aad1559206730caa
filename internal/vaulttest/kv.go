package vaulttest

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/systmms/vaultkit/internal/backend"
)

type kvVersion struct {
	data      map[string]interface{}
	created   time.Time
	deleted   time.Time
	destroyed bool
}

type kvSecret struct {
	current  int
	versions map[int]*kvVersion
}

type kvMount struct {
	maxVersions int
	casRequired bool
	configured  int
	secrets     map[string]*kvSecret
}

func newKVMount() *kvMount {
	return &kvMount{secrets: make(map[string]*kvSecret)}
}

// WithKVMount mounts a KV v2 engine at path.
func (s *Server) WithKVMount(path string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mountLocked(path, "kv")
	return s
}

// KVConfig returns the stored engine config and how many times it was written.
func (s *Server) KVConfig(mount string) (maxVersions int, casRequired bool, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.kv[mount]
	if !ok {
		return 0, false, 0
	}
	return m.maxVersions, m.casRequired, m.configured
}

// PutKV seeds a secret version directly.
func (s *Server) PutKV(mount, path string, data map[string]interface{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.kv[mount]
	if !ok {
		m = newKVMount()
		s.mounts[mount] = "kv"
		s.kv[mount] = m
	}
	return m.put(path, data)
}

// SoftDeleteKV marks the latest version of a secret deleted.
func (s *Server) SoftDeleteKV(mount, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.kv[mount]; ok {
		if sec, ok := m.secrets[path]; ok && sec.current > 0 {
			sec.versions[sec.current].deleted = time.Now()
		}
	}
}

// KVData returns a copy of the latest version's stored fields, nil if absent.
func (s *Server) KVData(mount, path string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.kv[mount]
	if !ok {
		return nil
	}
	sec, ok := m.secrets[path]
	if !ok || sec.current == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(sec.versions[sec.current].data))
	for k, v := range sec.versions[sec.current].data {
		out[k] = v
	}
	return out
}

// KVVersion returns the current version of a secret, 0 if absent.
func (s *Server) KVVersion(mount, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.kv[mount]; ok {
		if sec, ok := m.secrets[path]; ok {
			return sec.current
		}
	}
	return 0
}

func (m *kvMount) put(path string, data map[string]interface{}) int {
	sec, ok := m.secrets[path]
	if !ok {
		sec = &kvSecret{versions: make(map[int]*kvVersion)}
		m.secrets[path] = sec
	}
	sec.current++
	sec.versions[sec.current] = &kvVersion{data: data, created: time.Now()}

	limit := m.maxVersions
	if limit == 0 {
		limit = 10
	}
	for v := range sec.versions {
		if v <= sec.current-limit {
			delete(sec.versions, v)
		}
	}
	return sec.current
}

func (v *kvVersion) metadata(version int) map[string]interface{} {
	deletion := ""
	if !v.deleted.IsZero() {
		deletion = v.deleted.UTC().Format(time.RFC3339Nano)
	}
	return map[string]interface{}{
		"version":       version,
		"created_time":  v.created.UTC().Format(time.RFC3339Nano),
		"deletion_time": deletion,
		"destroyed":     v.destroyed,
	}
}

func (v *kvVersion) gone() bool {
	return v.destroyed || !v.deleted.IsZero()
}

func (s *Server) handleKV(w http.ResponseWriter, req *request, mount, rest string) {
	m := s.kv[mount]

	switch {
	case rest == "config":
		if req.write() {
			if n, ok := backend.Int(req.body["max_versions"]); ok {
				m.maxVersions = int(n)
			}
			if b, ok := req.body["cas_required"].(bool); ok {
				m.casRequired = b
			}
			m.configured++
			noContent(w)
			return
		}
		writeData(w, map[string]interface{}{"max_versions": m.maxVersions, "cas_required": m.casRequired})

	case strings.HasPrefix(rest, "data/"):
		s.handleKVData(w, req, m, strings.TrimPrefix(rest, "data/"))

	case rest == "metadata" || strings.HasPrefix(rest, "metadata/"):
		s.handleKVMetadata(w, req, m, strings.Trim(strings.TrimPrefix(rest, "metadata"), "/"))

	default:
		writeErrors(w, http.StatusNotFound, "unsupported path")
	}
}

func (s *Server) handleKVData(w http.ResponseWriter, req *request, m *kvMount, path string) {
	sec := m.secrets[path]

	switch req.method {
	case http.MethodGet:
		if sec == nil || sec.current == 0 {
			writeErrors(w, http.StatusNotFound)
			return
		}
		version := sec.current
		if q := req.query["version"]; len(q) > 0 && q[0] != "0" {
			n, err := strconv.Atoi(q[0])
			if err != nil {
				writeErrors(w, http.StatusBadRequest, "invalid version")
				return
			}
			version = n
		}
		v, ok := sec.versions[version]
		if !ok {
			writeErrors(w, http.StatusNotFound)
			return
		}
		if v.gone() {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"data": map[string]interface{}{"data": nil, "metadata": v.metadata(version)},
			})
			return
		}
		writeData(w, map[string]interface{}{"data": v.data, "metadata": v.metadata(version)})

	case http.MethodPut, http.MethodPost:
		data, _ := req.body["data"].(map[string]interface{})
		if data == nil {
			writeErrors(w, http.StatusBadRequest, "no data provided")
			return
		}
		if msg := m.checkCAS(sec, req.body); msg != "" {
			writeErrors(w, http.StatusBadRequest, msg)
			return
		}
		version := m.put(path, data)
		writeData(w, m.secrets[path].versions[version].metadata(version))

	case http.MethodPatch:
		if sec == nil || sec.current == 0 || sec.versions[sec.current].gone() {
			writeErrors(w, http.StatusNotFound)
			return
		}
		patch, _ := req.body["data"].(map[string]interface{})
		if msg := m.checkCAS(sec, req.body); msg != "" {
			writeErrors(w, http.StatusBadRequest, msg)
			return
		}
		merged := make(map[string]interface{})
		for k, v := range sec.versions[sec.current].data {
			merged[k] = v
		}
		for k, v := range patch {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		version := m.put(path, merged)
		writeData(w, sec.versions[version].metadata(version))

	case http.MethodDelete:
		if sec != nil && sec.current > 0 {
			if v, ok := sec.versions[sec.current]; ok && v.deleted.IsZero() {
				v.deleted = time.Now()
			}
		}
		noContent(w)

	default:
		writeErrors(w, http.StatusMethodNotAllowed, "unsupported operation")
	}
}

// checkCAS enforces options.cas. A cas of 0 only allows creating a path.
func (m *kvMount) checkCAS(sec *kvSecret, body map[string]interface{}) string {
	opts, _ := body["options"].(map[string]interface{})
	raw, present := opts["cas"]
	if !present {
		if m.casRequired {
			return "check-and-set parameter required for this call"
		}
		return ""
	}
	cas, _ := backend.Int(raw)
	current := 0
	if sec != nil {
		current = sec.current
	}
	if int(cas) != current {
		return "check-and-set parameter did not match the current version"
	}
	return ""
}

func (s *Server) handleKVMetadata(w http.ResponseWriter, req *request, m *kvMount, path string) {
	if req.list() {
		prefix := path
		if prefix != "" {
			prefix += "/"
		}
		seen := make(map[string]bool)
		for p := range m.secrets {
			if !strings.HasPrefix(p, prefix) {
				continue
			}
			rest := strings.TrimPrefix(p, prefix)
			if i := strings.Index(rest, "/"); i >= 0 {
				seen[rest[:i+1]] = true
			} else {
				seen[rest] = true
			}
		}
		if len(seen) == 0 {
			writeErrors(w, http.StatusNotFound)
			return
		}
		writeData(w, map[string]interface{}{"keys": sortedKeys(seen)})
		return
	}

	sec := m.secrets[path]
	switch req.method {
	case http.MethodGet:
		if sec == nil {
			writeErrors(w, http.StatusNotFound)
			return
		}
		versions := make(map[string]interface{}, len(sec.versions))
		for n, v := range sec.versions {
			versions[strconv.Itoa(n)] = v.metadata(n)
		}
		writeData(w, map[string]interface{}{
			"current_version": sec.current,
			"max_versions":    m.maxVersions,
			"versions":        versions,
		})
	case http.MethodDelete:
		delete(m.secrets, path)
		noContent(w)
	default:
		writeErrors(w, http.StatusMethodNotAllowed, "unsupported operation")
	}
}
