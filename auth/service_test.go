package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestService_PhoneLoginCreatesCustomer(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	resp, err := svc.PhoneLogin(ctx, PhoneLoginRequest{Phone: "+919876543210"})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.Role != RoleCustomer {
		t.Fatalf("login: expected role %s got %s", RoleCustomer, resp.User.Role)
	}

	again, err := svc.PhoneLogin(ctx, PhoneLoginRequest{Phone: "+919876543210"})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if again.User.ID != resp.User.ID {
		t.Fatalf("second login created a new user: %q vs %q", again.User.ID, resp.User.ID)
	}

	claims, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.UserID != resp.User.ID || claims.Phone != "+919876543210" || claims.Role != RoleCustomer {
		t.Fatalf("verify token: unexpected claims %+v", claims)
	}
}

func TestService_OperatorNeedsPassword(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	op, err := svc.Register(ctx, RegisterRequest{Phone: "+919000000001", Password: "supersafe", FullName: "Ops"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if op.Role != RoleOperator {
		t.Fatalf("register: expected default role %s got %s", RoleOperator, op.Role)
	}

	if _, err := svc.PhoneLogin(ctx, PhoneLoginRequest{Phone: op.Phone}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials without password, got %v", err)
	}
	if _, err := svc.PhoneLogin(ctx, PhoneLoginRequest{Phone: op.Phone, Password: "wrongpass"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials with wrong password, got %v", err)
	}

	resp, err := svc.PhoneLogin(ctx, PhoneLoginRequest{Phone: op.Phone, Password: "supersafe"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := svc.VerifyToken(resp.Token)
	if err != nil || claims.Role != RoleOperator {
		t.Fatalf("expected operator claims, got %+v %v", claims, err)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Phone:    "+919000000002",
		Password: "short",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Phone:    "98765",
		Password: "strongpassword",
	}); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Phone:    "+919000000003",
		Password: "strongpassword",
		Role:     "admin",
	}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestService_DuplicatePhone(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{Phone: "+919000000004", Password: "strongpassword"}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicatePhone) {
		t.Fatalf("expected ErrDuplicatePhone, got %v", err)
	}
}

func TestService_InactiveUserCannotLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	user, _ := repo.CreateUser(context.Background(), CreateUserParams{Phone: "+919000000005", Role: RoleCustomer})
	user.Active = false
	repo.usersByPhone[user.Phone] = user

	if _, err := svc.PhoneLogin(context.Background(), PhoneLoginRequest{Phone: user.Phone}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenRejectsExpiredAndForeign(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(newFakeRepository(), "test-secret").WithTokenTTL(time.Hour).WithClock(func() time.Time { return now })

	resp, err := svc.PhoneLogin(context.Background(), PhoneLoginRequest{Phone: "+919000000006"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := svc.VerifyToken(resp.Token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}

	other := NewService(newFakeRepository(), "other-secret")
	if _, err := other.VerifyToken(resp.Token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
}

func TestService_PhoneLoginRejectsMalformedPhone(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")
	if _, err := svc.PhoneLogin(context.Background(), PhoneLoginRequest{Phone: "12345"}); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

type fakeRepository struct {
	usersByPhone map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByPhone: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByPhone[params.Phone]; exists {
		return User{}, ErrDuplicatePhone
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Phone:        params.Phone,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByPhone[user.Phone] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByPhone(ctx context.Context, phone string) (User, error) {
	user, ok := f.usersByPhone[phone]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func TestPGRepository_GetUserByIDRejectsMalformedID(t *testing.T) {
	// A malformed id never reaches the database, so no pool is needed.
	repo := NewRepository(nil)
	for _, id := range []string{"", "42", "not-a-uuid", "' OR 1=1 --"} {
		if _, err := repo.GetUserByID(context.Background(), id); !errors.Is(err, ErrUserNotFound) {
			t.Fatalf("GetUserByID(%q): expected ErrUserNotFound, got %v", id, err)
		}
	}
}
