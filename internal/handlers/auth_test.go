package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/transit-ingestion/internal/auth"
	"github.com/ukydev/transit-ingestion/internal/middleware"
	"github.com/ukydev/transit-ingestion/internal/models"
	"github.com/ukydev/transit-ingestion/internal/validation"
)

func TestAuthHandler_IssueToken(t *testing.T) {
	authService := auth.NewService("test-secret", time.Hour, "")
	handler := NewAuthHandler(authService, validation.New())

	t.Run("valid request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/tokens", strings.NewReader(`{"subject":"BUS-1001","role":"device"}`))
		ctx := context.WithValue(req.Context(), middleware.ClaimsContextKey, &models.Claims{Subject: "root", Role: models.RoleAdmin})
		w := httptest.NewRecorder()

		handler.IssueToken(w, req.WithContext(ctx))

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp TokenResponse
		decodeBody(t, w, &resp)
		assert.Equal(t, "BUS-1001", resp.Subject)
		assert.Equal(t, models.RoleDevice, resp.Role)
		assert.True(t, resp.ExpiresAt.After(time.Now()))

		claims, err := authService.ValidateToken(resp.Token)
		require.NoError(t, err)
		assert.True(t, claims.HasPermission("ingest_gps"))
	})

	tests := []struct {
		name     string
		body     string
		expected int
		field    string
	}{
		{"invalid json", `{"subject":`, http.StatusBadRequest, ""},
		{"missing subject", `{"role":"viewer"}`, http.StatusUnprocessableEntity, "subject"},
		{"unknown role", `{"subject":"x","role":"guest"}`, http.StatusUnprocessableEntity, "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/tokens", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			handler.IssueToken(w, req)

			assert.Equal(t, tt.expected, w.Code)
			assert.Equal(t, tt.field, decodeError(t, w).Field)
		})
	}
}

func TestAuthHandler_IssueAPIKey(t *testing.T) {
	handler := NewAuthHandler(auth.NewService("test-secret", time.Hour, ""), validation.New())

	w := httptest.NewRecorder()
	handler.IssueAPIKey(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/api-keys", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	var resp APIKeyResponse
	decodeBody(t, w, &resp)
	require.NotEmpty(t, resp.APIKey)

	// the returned hash must accept the returned key
	svc := auth.NewService("test-secret", time.Hour, resp.Hash)
	assert.NoError(t, svc.CheckAPIKey(resp.APIKey))
	assert.Error(t, svc.CheckAPIKey("something-else"))
}

func TestAuthHandler_WhoAmI(t *testing.T) {
	handler := NewAuthHandler(auth.NewService("test-secret", time.Hour, ""), validation.New())

	t.Run("with claims", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
		ctx := context.WithValue(req.Context(), middleware.ClaimsContextKey, &models.Claims{Subject: "dashboard", Role: models.RoleViewer, Exp: 1700000000})
		w := httptest.NewRecorder()

		handler.WhoAmI(w, req.WithContext(ctx))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"sub":"dashboard","role":"viewer","exp":1700000000}`, w.Body.String())
	})

	t.Run("without claims", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.WhoAmI(w, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
