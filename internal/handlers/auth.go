package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/auth"
	"github.com/ukydev/transit-ingestion/internal/middleware"
	"github.com/ukydev/transit-ingestion/internal/models"
	"github.com/ukydev/transit-ingestion/internal/validation"
)

// TokenRequest asks for a token on behalf of an API client or device.
type TokenRequest struct {
	Subject string      `json:"subject" validate:"required,min=1,max=64"`
	Role    models.Role `json:"role" validate:"required,oneof=admin operator viewer device"`
}

// TokenResponse carries a signed JWT.
type TokenResponse struct {
	Token     string      `json:"token"`
	Subject   string      `json:"subject"`
	Role      models.Role `json:"role"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// APIKeyResponse carries a fresh ingest key and the hash to configure.
type APIKeyResponse struct {
	APIKey string `json:"api_key"`
	Hash   string `json:"hash"`
}

// AuthHandler issues credentials for API clients and devices
type AuthHandler struct {
	authService *auth.Service
	validator   *validation.Validator
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(authService *auth.Service, v *validation.Validator) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		validator:   v,
	}
}

// IssueToken handles POST /api/v1/auth/tokens
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	body, apiErr := readBody(w, r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	var req TokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, NewBadRequestError("Invalid JSON", err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, toAPIError(err))
		return
	}

	token, err := h.authService.GenerateToken(req.Subject, req.Role)
	if err != nil {
		writeError(w, NewInternalError("Failed to generate token", err))
		return
	}
	claims, err := h.authService.ValidateToken(token)
	if err != nil {
		writeError(w, NewInternalError("Failed to generate token", err))
		return
	}

	issuer := ""
	if c, ok := middleware.GetClaimsFromContext(r.Context()); ok {
		issuer = c.Subject
	}
	log.WithFields(log.Fields{
		"subject": req.Subject,
		"role":    req.Role,
		"issuer":  issuer,
	}).Info("issued api token")

	writeJSON(w, http.StatusCreated, TokenResponse{
		Token:     token,
		Subject:   claims.Subject,
		Role:      claims.Role,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	})
}

// IssueAPIKey handles POST /api/v1/auth/api-keys. The key is shown once;
// only the hash should be stored in configuration.
func (h *AuthHandler) IssueAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, NewInternalError("Failed to generate api key", err))
		return
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		writeError(w, NewInternalError("Failed to hash api key", err))
		return
	}
	writeJSON(w, http.StatusCreated, APIKeyResponse{APIKey: key, Hash: hash})
}

// WhoAmI handles GET /api/v1/auth/me
func (h *AuthHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Client context not found", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}
