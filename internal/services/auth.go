package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/postly/chat-backend/internal/pkg/ctxutil"
	"github.com/postly/chat-backend/internal/platform/envutil"
	"github.com/postly/chat-backend/internal/platform/logger"
)

// TokenVerifier resolves a bearer token to a request identity. The chat core
// treats authentication as an external oracle; this is the thinnest
// implementation that yields a trusted user_id.
type TokenVerifier interface {
	Verify(ctx context.Context, tokenString string) (*ctxutil.RequestData, error)
}

type jwtVerifier struct {
	log    *logger.Logger
	secret []byte
}

func NewTokenVerifier(log *logger.Logger) (TokenVerifier, error) {
	secret := envutil.String("JWT_SECRET_KEY", "")
	if secret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET_KEY")
	}
	return &jwtVerifier{
		log:    log.With("service", "TokenVerifier"),
		secret: []byte(secret),
	}, nil
}

func (v *jwtVerifier) Verify(_ context.Context, tokenString string) (*ctxutil.RequestData, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, fmt.Errorf("missing token")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(strings.TrimSpace(sub))
	if err != nil || userID == uuid.Nil {
		return nil, fmt.Errorf("token missing subject")
	}

	// Session key scopes single-writer disciplines (e.g. lazy conversation
	// creation); fall back to the user id when the token carries no session.
	sessionKey, _ := claims["sid"].(string)
	if strings.TrimSpace(sessionKey) == "" {
		sessionKey = userID.String()
	}

	return &ctxutil.RequestData{
		UserID:      userID,
		SessionKey:  sessionKey,
		TokenString: tokenString,
	}, nil
}
