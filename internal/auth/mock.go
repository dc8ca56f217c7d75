package auth

import (
	"context"
	"sync"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/models"
)

// MockVerifier maps raw token strings to users for tests.
type MockVerifier struct {
	mu    sync.Mutex
	users map[string]*models.User
}

// NewMockVerifier creates an empty mock verifier
func NewMockVerifier() *MockVerifier {
	return &MockVerifier{users: make(map[string]*models.User)}
}

var _ Verifier = (*MockVerifier)(nil)

// Allow registers a token -> user mapping
func (m *MockVerifier) Allow(token string, user *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[token] = user
}

// Verify implements Verifier
func (m *MockVerifier) Verify(ctx context.Context, token string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[token]
	if !ok {
		return nil, apperrors.Unauthenticated("Authentication failed")
	}
	if !user.IsActive {
		return nil, apperrors.Unauthenticated("User account is deactivated")
	}
	return user, nil
}
