package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals an unknown operator, wrong password or a
	// disabled account.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidPhone signals a phone number that is not E.164.
	ErrInvalidPhone = errors.New("auth: phone must be E.164")
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  24 * time.Hour,
		now:       time.Now,
	}
}

// WithTokenTTL overrides how long issued tokens stay valid.
func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

// WithClock overrides the clock used for token timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a password-protected account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if !e164.MatchString(req.Phone) {
		return nil, ErrInvalidPhone
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleOperator
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Phone:        req.Phone,
		FullName:     strings.TrimSpace(req.FullName),
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// PhoneLogin signs a caller in by phone number. Unknown phones become
// customer accounts. Accounts with a password must present it; operators
// always have one.
func (s *Service) PhoneLogin(ctx context.Context, req PhoneLoginRequest) (LoginResult, error) {
	if !e164.MatchString(req.Phone) {
		return LoginResult{}, ErrInvalidPhone
	}

	user, err := s.repo.GetUserByPhone(ctx, req.Phone)
	switch {
	case errors.Is(err, ErrUserNotFound):
		user, err = s.repo.CreateUser(ctx, CreateUserParams{Phone: req.Phone, Role: RoleCustomer})
		if errors.Is(err, ErrDuplicatePhone) {
			// Lost a race with a concurrent first login for the same phone.
			user, err = s.repo.GetUserByPhone(ctx, req.Phone)
		}
		if err != nil {
			return LoginResult{}, err
		}
	case err != nil:
		return LoginResult{}, err
	}

	if !user.Active {
		return LoginResult{}, ErrInvalidCredentials
	}
	if user.PasswordHash != "" || user.Role == RoleOperator {
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			return LoginResult{}, ErrInvalidCredentials
		}
	}

	token, err := s.generateToken(user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("auth: invalid token")
	}

	userID, ok := mc["user_id"].(string)
	if !ok || userID == "" {
		return Claims{}, fmt.Errorf("auth: invalid user_id in token")
	}
	phone, ok := mc["phone"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid phone in token")
	}
	roleStr, ok := mc["role"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Claims{}, fmt.Errorf("auth: invalid role %q in token", roleStr)
	}
	return Claims{UserID: userID, Phone: phone, Role: role}, nil
}

func (s *Service) generateToken(user User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": user.ID,
		"phone":   user.Phone,
		"role":    user.Role,
		"exp":     now.Add(s.tokenTTL).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleCustomer, RoleOperator:
		return true
	default:
		return false
	}
}
