package vaulttest

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/systmms/vaultkit/internal/backend"
)

func (s *Server) sealStatus() map[string]interface{} {
	return map[string]interface{}{
		"type":        "shamir",
		"initialized": s.initialized,
		"sealed":      s.sealed,
		"t":           s.threshold,
		"n":           len(s.unsealKeys),
		"progress":    s.progress,
		"version":     "1.16.0",
	}
}

func (s *Server) handleSeal(w http.ResponseWriter, req *request) {
	switch {
	case req.path == "sys/init" && req.method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"initialized": s.initialized})

	case req.path == "sys/init" && req.write():
		if s.initialized {
			writeErrors(w, http.StatusBadRequest, "Vault is already initialized")
			return
		}
		shares, _ := backend.Int(req.body["secret_shares"])
		threshold, _ := backend.Int(req.body["secret_threshold"])
		if shares < 1 || threshold < 1 || threshold > shares {
			writeErrors(w, http.StatusBadRequest, "invalid seal configuration")
			return
		}

		keys := make([]string, shares)
		keysB64 := make([]string, shares)
		for i := range keys {
			raw := []byte(strings.ReplaceAll(uuid.NewString(), "-", ""))
			keys[i] = hex.EncodeToString(raw)
			keysB64[i] = base64.StdEncoding.EncodeToString(raw)
		}
		s.unsealKeys = keys
		s.threshold = int(threshold)
		s.initialized = true
		s.sealed = true
		s.rootToken = s.issueLocked([]string{"root"}, 0)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"keys":        keys,
			"keys_base64": keysB64,
			"root_token":  s.rootToken,
		})

	case req.path == "sys/seal-status":
		writeJSON(w, http.StatusOK, s.sealStatus())

	case req.path == "sys/unseal" && req.write():
		if !s.initialized {
			writeErrors(w, http.StatusBadRequest, "Vault is not initialized")
			return
		}
		key := backend.String(req.body["key"])
		valid := false
		for _, k := range s.unsealKeys {
			if k == key {
				valid = true
			}
		}
		if !valid {
			writeErrors(w, http.StatusBadRequest, "invalid key")
			return
		}
		if s.sealed {
			s.progress++
			if s.progress >= s.threshold {
				s.sealed = false
				s.progress = 0
			}
		}
		writeJSON(w, http.StatusOK, s.sealStatus())

	default:
		writeErrors(w, http.StatusMethodNotAllowed, "unsupported operation")
	}
}

func (s *Server) handleSys(w http.ResponseWriter, req *request) {
	switch {
	case strings.HasPrefix(req.path, "sys/mounts/") && req.write():
		path := strings.TrimPrefix(req.path, "sys/mounts/")
		if _, ok := s.mounts[path]; ok {
			writeErrors(w, http.StatusBadRequest, "path is already in use at "+path+"/")
			return
		}
		kind := backend.String(req.body["type"])
		if kind == "kv-v2" {
			kind = "kv"
		}
		s.mountLocked(path, kind)
		noContent(w)

	case strings.HasPrefix(req.path, "sys/auth/") && req.write():
		path := strings.TrimPrefix(req.path, "sys/auth/")
		if _, ok := s.authMounts[path]; ok {
			writeErrors(w, http.StatusBadRequest, "path is already in use at "+path+"/")
			return
		}
		s.authMounts[path] = backend.String(req.body["type"])
		noContent(w)

	case strings.HasPrefix(req.path, "sys/policies/acl/") && req.write():
		name := strings.TrimPrefix(req.path, "sys/policies/acl/")
		policy := backend.String(req.body["policy"])
		if policy == "" {
			writeErrors(w, http.StatusBadRequest, "'policy' parameter not supplied or empty")
			return
		}
		s.policies[name] = policy
		noContent(w)

	case strings.HasPrefix(req.path, "sys/policies/acl/") && req.method == http.MethodGet:
		name := strings.TrimPrefix(req.path, "sys/policies/acl/")
		policy, ok := s.policies[name]
		if !ok {
			writeErrors(w, http.StatusNotFound)
			return
		}
		writeData(w, map[string]interface{}{"name": name, "policy": policy})

	default:
		writeErrors(w, http.StatusNotFound, "unsupported path")
	}
}

func (s *Server) mountLocked(path, kind string) {
	s.mounts[path] = kind
	switch kind {
	case "kv":
		s.kv[path] = newKVMount()
	case "database":
		s.db[path] = newDBMount()
	}
}
