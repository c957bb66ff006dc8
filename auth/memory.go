package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for the memory-backed server.
type MemoryRepository struct {
	mu      sync.Mutex
	byPhone map[string]User
	byID    map[string]User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byPhone: make(map[string]User),
		byID:    make(map[string]User),
	}
}

func (m *MemoryRepository) CreateUser(_ context.Context, params CreateUserParams) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byPhone[params.Phone]; exists {
		return User{}, ErrDuplicatePhone
	}
	role := params.Role
	if role == "" {
		role = RoleCustomer
	}
	now := time.Now().UTC()
	user := User{
		ID:           uuid.NewString(),
		Phone:        params.Phone,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.byPhone[user.Phone] = user
	m.byID[user.ID] = user
	return user, nil
}

func (m *MemoryRepository) GetUserByPhone(_ context.Context, phone string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byPhone[phone]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
