package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/postly/chat-backend/internal/pkg/ctxutil"
	"github.com/postly/chat-backend/internal/platform/logger"
)

type fakeVerifier struct {
	userID uuid.UUID
}

func (f fakeVerifier) Verify(_ context.Context, tokenString string) (*ctxutil.RequestData, error) {
	if tokenString != "good-token" {
		return nil, fmt.Errorf("invalid token")
	}
	return &ctxutil.RequestData{UserID: f.userID, TokenString: tokenString}, nil
}

func authTestRouter(t *testing.T, userID uuid.UUID) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	am := NewAuthMiddleware(log, fakeVerifier{userID: userID})

	r := gin.New()
	r.GET("/protected", am.RequireAuth(), func(c *gin.Context) {
		rd := ctxutil.GetRequestData(c.Request.Context())
		if rd == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no request data"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": rd.UserID.String()})
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	userID := uuid.New()
	r := authTestRouter(t, userID)

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d, want 401", rec.Code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d, want 401", rec.Code)
		}
	})

	t.Run("bearer header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("query token for eventsource", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected?token=good-token", nil)
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}
	})
}
