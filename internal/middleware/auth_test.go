package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/transit-ingestion/internal/auth"
	"github.com/ukydev/transit-ingestion/internal/models"
)

func newAuthService(t *testing.T, apiKey string) *auth.Service {
	t.Helper()
	hash := ""
	if apiKey != "" {
		var err error
		hash, err = auth.HashAPIKey(apiKey)
		require.NoError(t, err)
	}
	return auth.NewService("test-secret", time.Hour, hash)
}

func TestAuthMiddleware_Authenticate(t *testing.T) {
	authService := newAuthService(t, "")
	middleware := NewAuthMiddleware(authService)

	// Test successful authentication
	t.Run("valid token", func(t *testing.T) {
		token, _ := authService.GenerateToken("dispatch-board", models.RoleViewer)

		req := httptest.NewRequest("GET", "/api/v1/buses", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
			claims, ok := GetClaimsFromContext(r.Context())
			assert.True(t, ok)
			assert.Equal(t, "dispatch-board", claims.Subject)
			assert.Equal(t, models.RoleViewer, claims.Role)
		})

		middleware.Authenticate(handler).ServeHTTP(w, req)
		assert.True(t, handlerCalled)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	// Test missing authorization header
	t.Run("missing authorization header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/buses", nil)
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		middleware.Authenticate(handler).ServeHTTP(w, req)
		assert.False(t, handlerCalled)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	// Test invalid token
	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/buses", nil)
		req.Header.Set("Authorization", "Bearer invalid-token")
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		middleware.Authenticate(handler).ServeHTTP(w, req)
		assert.False(t, handlerCalled)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token without bearer scheme", func(t *testing.T) {
		token, _ := authService.GenerateToken("dispatch-board", models.RoleViewer)
		req := httptest.NewRequest("GET", "/api/v1/buses", nil)
		req.Header.Set("Authorization", token)
		w := httptest.NewRecorder()

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run")
		})

		middleware.Authenticate(handler).ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid authorization header")
	})

	// Test skip auth paths
	t.Run("skip auth path", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		middleware.Authenticate(handler).ServeHTTP(w, req)
		assert.True(t, handlerCalled)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAuthMiddleware_RequireAPIKey(t *testing.T) {
	authService := newAuthService(t, "device-key")
	middleware := NewAuthMiddleware(authService)
	deviceToken, _ := authService.GenerateToken("BUS-1001", models.RoleDevice)
	viewerToken, _ := authService.GenerateToken("dashboard", models.RoleViewer)

	tests := []struct {
		name     string
		headers  map[string]string
		expected int
	}{
		{"valid key", map[string]string{APIKeyHeader: "device-key"}, http.StatusOK},
		{"wrong key", map[string]string{APIKeyHeader: "nope"}, http.StatusUnauthorized},
		{"no credentials", nil, http.StatusUnauthorized},
		{"device token", map[string]string{"Authorization": "Bearer " + deviceToken}, http.StatusOK},
		{"viewer token", map[string]string{"Authorization": "Bearer " + viewerToken}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/gps/events", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
			middleware.RequireAPIKey(handler).ServeHTTP(w, req)
			assert.Equal(t, tt.expected, w.Code)
		})
	}

	t.Run("open when no hash configured", func(t *testing.T) {
		open := NewAuthMiddleware(newAuthService(t, ""))
		req := httptest.NewRequest("POST", "/api/v1/gps/events", nil)
		w := httptest.NewRecorder()
		open.RequireAPIKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAuthMiddleware_RequireRole(t *testing.T) {
	authService := newAuthService(t, "")
	middleware := NewAuthMiddleware(authService)

	// Test admin can access operator endpoint
	t.Run("admin accessing operator endpoint", func(t *testing.T) {
		token, _ := authService.GenerateToken("root", models.RoleAdmin)

		req := httptest.NewRequest("POST", "/api/v1/gps/flush", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		authHandler := middleware.Authenticate(middleware.RequireRole(models.RoleOperator)(handler))
		authHandler.ServeHTTP(w, req)
		assert.True(t, handlerCalled)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	// Test viewer cannot access operator endpoint
	t.Run("viewer accessing operator endpoint", func(t *testing.T) {
		token, _ := authService.GenerateToken("dashboard", models.RoleViewer)

		req := httptest.NewRequest("POST", "/api/v1/gps/flush", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		authHandler := middleware.Authenticate(middleware.RequireRole(models.RoleOperator)(handler))
		authHandler.ServeHTTP(w, req)
		assert.False(t, handlerCalled)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestAuthMiddleware_Protect(t *testing.T) {
	authService := newAuthService(t, "")
	middleware := NewAuthMiddleware(authService)

	tests := []struct {
		name     string
		role     models.Role
		action   string
		expected int
	}{
		{"admin any permission", models.RoleAdmin, "manage_tokens", http.StatusOK},
		{"viewer view permission", models.RoleViewer, "view_telemetry", http.StatusOK},
		{"viewer flush", models.RoleViewer, "flush_batches", http.StatusForbidden},
		{"device view", models.RoleDevice, "view_buses", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, _ := authService.GenerateToken("client", tt.role)
			req := httptest.NewRequest("GET", "/api/v1/buses", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
			middleware.Protect(tt.action, handler).ServeHTTP(w, req)
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	middleware := NewRateLimitMiddleware()

	t.Run("rate limit not exceeded", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		rateLimitHandler := middleware.RateLimit(5, time.Minute)(handler)
		rateLimitHandler.ServeHTTP(w, req)
		assert.True(t, handlerCalled)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rate limit exceeded", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.RemoteAddr = "192.168.1.2:12345"
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		rateLimitHandler := middleware.RateLimit(1, time.Minute)(handler)

		// First request should succeed
		rateLimitHandler.ServeHTTP(w, req)
		assert.True(t, handlerCalled)
		assert.Equal(t, http.StatusOK, w.Code)

		// Second request should be rate limited
		w = httptest.NewRecorder()
		handlerCalled = false
		rateLimitHandler.ServeHTTP(w, req)
		assert.False(t, handlerCalled)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("window slides", func(t *testing.T) {
		now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		limiter := NewRateLimitMiddleware()
		limiter.now = func() time.Time { return now }
		h := limiter.RateLimit(1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest("GET", "/api/test", nil)
		req.RemoteAddr = "192.168.1.3:12345"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)

		now = now.Add(61 * time.Second)
		w = httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("disabled", func(t *testing.T) {
		h := NewRateLimitMiddleware().RateLimit(0, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/api/test", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}
	})
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", getClientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.3")
	assert.Equal(t, "203.0.113.7", getClientIP(req))
}

func TestGetClaimsFromContext(t *testing.T) {
	claims := &models.Claims{
		Subject: "dispatch-board",
		Role:    models.RoleAdmin,
	}

	ctx := context.WithValue(context.Background(), ClaimsContextKey, claims)

	retrievedClaims, ok := GetClaimsFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, claims.Subject, retrievedClaims.Subject)
	assert.Equal(t, claims.Role, retrievedClaims.Role)

	// Test with no claims in context
	emptyCtx := context.Background()
	_, ok = GetClaimsFromContext(emptyCtx)
	assert.False(t, ok)
}
