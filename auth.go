package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const sessionCookieName = "stocktaker_session"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *serverState) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	username := strings.TrimSpace(strings.ToLower(req.Username))

	u, exists, err := s.userByUsername(r.Context(), username)
	if err != nil {
		log.Printf("lookup user: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to sign in")
		return
	}
	if !exists || len(u.PasswordHash) == 0 ||
		bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)) != nil {
		errorJSON(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if !u.IsActive {
		errorJSON(w, http.StatusForbidden, "account is deactivated")
		return
	}

	s.createSession(w, u.ID)
	respondJSON(w, http.StatusOK, toUserDTO(u))
}

func (s *serverState) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		s.mu.Lock()
		delete(s.sessions, cookie.Value)
		s.mu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *serverState) handleMe(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toUserDTO(currentUser))
}

// userFromRequest resolves the session cookie to an active user. This is
// the single identity check shared by the REST handlers and the stream
// endpoint.
func (s *serverState) userFromRequest(r *http.Request) (user, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return user{}, false
	}

	s.mu.RLock()
	userID, ok := s.sessions[cookie.Value]
	s.mu.RUnlock()
	if !ok {
		return user{}, false
	}

	u, found, err := s.userByID(r.Context(), userID)
	if err != nil {
		log.Printf("session user lookup: %v", err)
		return user{}, false
	}
	if !found || !u.IsActive {
		return user{}, false
	}
	return u, true
}

func (s *serverState) requireUser(w http.ResponseWriter, r *http.Request) (user, bool) {
	u, ok := s.userFromRequest(r)
	if !ok {
		errorJSON(w, http.StatusUnauthorized, "authentication required")
		return user{}, false
	}
	return u, true
}

func (s *serverState) createSession(w http.ResponseWriter, userID uuid.UUID) {
	sessionID := generateSessionID()

	s.mu.Lock()
	s.sessions[sessionID] = userID
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Expires:  time.Now().Add(12 * time.Hour),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *serverState) dropSessionsForUser(userID uuid.UUID) {
	s.mu.Lock()
	for sid, uid := range s.sessions {
		if uid == userID {
			delete(s.sessions, sid)
		}
	}
	s.mu.Unlock()
}

func generateSessionID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("failed to generate session id")
	}
	return hex.EncodeToString(buf)
}
