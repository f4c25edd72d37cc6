package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mavirek/apiwarden/internal/audit"
	"github.com/mavirek/apiwarden/internal/auth"
	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/keys"
	"github.com/mavirek/apiwarden/internal/middleware"
	"github.com/mavirek/apiwarden/internal/repository"
	"github.com/mavirek/apiwarden/internal/sanitize"
)

type sessionKey string

const ctxOwnerID sessionKey = "owner_id"

// LoginHandler exchanges owner credentials for a session token used on
// the key-management endpoints.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	email, err := sanitize.Email(req.Email)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	owner, err := s.owners.GetByEmail(r.Context(), email)
	if err != nil || !owner.Active || !auth.CheckPasswordHash(req.Password, owner.PasswordHash) {
		s.trail.LogSecurityEvent(r.Context(), db.EventAuthFailure, s.requestContext(r), "owner login failed", nil)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := s.sessions.Generate(owner.ID, owner.Tier)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// requireSession verifies the bearer session token and stashes the owner
// id in context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		claims, err := s.sessions.Verify(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxOwnerID, claims.OwnerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxOwnerID).(string)
	return id
}

// KeysHandler lists keys (GET) or mints a new one (POST).
func (s *Server) KeysHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromCtx(r.Context())

	switch r.Method {
	case http.MethodGet:
		list, err := s.keyManager.List(r.Context(), ownerID)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"keys": list})

	case http.MethodPost:
		var req struct {
			Email string `json:"email"`
			Label string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		email, err := sanitize.Email(req.Email)
		if err != nil {
			http.Error(w, "invalid email", http.StatusBadRequest)
			return
		}

		raw, record, err := s.keyManager.Create(r.Context(), ownerID, email, sanitize.String(req.Label))
		if err != nil {
			s.writeKeyError(w, err)
			return
		}

		s.trail.LogSecurityEvent(r.Context(), db.EventKeyCreated, s.requestContextOwner(r, ownerID, record.ID), "", map[string]interface{}{"label": record.Label})
		// the raw secret is visible exactly once, here
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"api_key": raw,
			"key":     record,
		})

	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// RotateKeyHandler revokes the named key and mints its replacement.
func (s *Server) RotateKeyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID := ownerFromCtx(r.Context())

	var req struct {
		KeyID string `json:"key_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	raw, record, err := s.keyManager.Rotate(r.Context(), ownerID, req.KeyID)
	if err != nil {
		s.writeKeyError(w, err)
		return
	}

	s.trail.LogSecurityEvent(r.Context(), db.EventKeyRotated, s.requestContextOwner(r, ownerID, record.ID), "", nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_key": raw,
		"key":     record,
	})
}

// RevokeKeyHandler marks the named key revoked.
func (s *Server) RevokeKeyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID := ownerFromCtx(r.Context())

	var req struct {
		KeyID string `json:"key_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.keyManager.Revoke(r.Context(), ownerID, req.KeyID); err != nil {
		s.writeKeyError(w, err)
		return
	}

	s.trail.LogSecurityEvent(r.Context(), db.EventKeyRevoked, s.requestContextOwner(r, ownerID, req.KeyID), "", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) writeKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keys.ErrNotPaidTier):
		http.Error(w, "paid tier required", http.StatusForbidden)
	case errors.Is(err, keys.ErrKeyLimit):
		http.Error(w, "active key limit reached", http.StatusConflict)
	case errors.Is(err, keys.ErrNotOwner), errors.Is(err, keys.ErrInvalidKey), errors.Is(err, repository.ErrNotFound):
		http.Error(w, "key not found", http.StatusNotFound)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) requestContext(r *http.Request) audit.RequestContext {
	return audit.RequestContext{
		RequestID: middleware.GetRequestID(r.Context()),
		Method:    r.Method,
		Endpoint:  r.URL.Path,
		IP:        s.resolver.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (s *Server) requestContextOwner(r *http.Request, ownerID, keyID string) audit.RequestContext {
	rc := s.requestContext(r)
	rc.OwnerUserID = ownerID
	rc.KeyID = keyID
	return rc
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
