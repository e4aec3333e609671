package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/devicebay/devicebay-core/internal/auth"
)

// defaultTokenTTL is the access token lifetime in minutes when the
// configuration leaves it unset.
const defaultTokenTTL = 15

// tokenRequest is the request body for POST /auth/token.
type tokenRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// tokenResponse is the response body for POST /auth/token.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleToken verifies a user's credentials and issues a JWT. The token can
// then be presented in the websocket authenticate action instead of the
// login/password pair.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Login == "" || req.Password == "" {
		writeBadRequest(w, "login and password are required")
		return
	}

	user, err := s.users.GetByLogin(r.Context(), req.Login)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeUnauthorized(w, "invalid credentials")
			return
		}
		s.logger.Error("token endpoint user lookup failed", "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		s.logger.Error("token endpoint password verify failed", "error", err)
		writeInternalError(w, "internal server error")
		return
	}
	if !ok {
		writeUnauthorized(w, "invalid credentials")
		return
	}
	if !user.IsActive() {
		writeUnauthorized(w, "account disabled")
		return
	}

	ttl := s.secCfg.JWT.AccessTokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	signed, err := auth.GenerateAccessToken(user, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		writeInternalError(w, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   ttl * 60,
	})
}
