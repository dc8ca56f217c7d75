// Package auth verifies bearer tokens for the realtime gateway. Token
// issuance, OAuth and password flows live in the account service; the
// gateway only needs token -> user resolution.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

// Verifier resolves a bearer token to a user, rejecting unknown or
// deactivated accounts. This enables mocking for unit tests without a
// real database.
type Verifier interface {
	Verify(ctx context.Context, token string) (*models.User, error)
}

// JWTVerifier validates HMAC-signed JWTs and loads the user from the database.
type JWTVerifier struct {
	secret []byte
	db     *gorm.DB
}

// NewJWTVerifier creates a verifier over the shared signing secret
func NewJWTVerifier(secret []byte, db *gorm.DB) *JWTVerifier {
	return &JWTVerifier{secret: secret, db: db}
}

var _ Verifier = (*JWTVerifier)(nil)

// Verify implements Verifier
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*models.User, error) {
	if tokenString == "" {
		return nil, apperrors.Unauthenticated("Authentication failed")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.Unauthenticated("Authentication failed")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperrors.Unauthenticated("Authentication failed")
	}

	// jwt.Parse validates exp when present; require it so stolen tokens age out.
	exp, ok := claims["exp"].(float64)
	if !ok || time.Unix(int64(exp), 0).Before(time.Now()) {
		return nil, apperrors.Unauthenticated("Authentication failed")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return nil, apperrors.Unauthenticated("Authentication failed")
	}

	var user models.User
	if err := v.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Unauthenticated("User not found")
		}
		return nil, apperrors.Internal("user lookup failed")
	}

	if !user.IsActive {
		return nil, apperrors.Unauthenticated("User account is deactivated")
	}

	return &user, nil
}
