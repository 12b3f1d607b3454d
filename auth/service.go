package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrPartnerRequired signals a user registration without a partner identity.
	ErrPartnerRequired = errors.New("auth: partner id is required")
)

const tokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
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
		now:       time.Now,
	}
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}
	if req.PartnerID <= 0 {
		return nil, ErrPartnerRequired
	}

	caps := req.Capabilities
	if len(caps) == 0 {
		caps = []Capability{CapabilitySelfService}
	}
	for _, c := range caps {
		if !isValidCapability(c) {
			return nil, fmt.Errorf("auth: invalid capability %q", c)
		}
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        strings.TrimSpace(req.Email),
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		PartnerID:    req.PartnerID,
		Capabilities: caps,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
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

// EnsurePortalUser returns the user bound to the partner, granting it the
// self-service capability. A user is created with an unusable random
// password when none exists; created reports that case so callers can send
// the signup mail.
func (s *Service) EnsurePortalUser(ctx context.Context, partnerID int64, email, name string) (user User, created bool, err error) {
	existing, err := s.repo.GetUserByPartnerID(ctx, partnerID)
	switch {
	case err == nil:
		if existing.Identity().Has(CapabilitySelfService) {
			return existing, false, nil
		}
		updated, err := s.repo.AddCapability(ctx, existing.ID, CapabilitySelfService)
		return updated, false, err
	case !errors.Is(err, ErrUserNotFound):
		return User{}, false, err
	}

	if strings.TrimSpace(email) == "" {
		return User{}, false, fmt.Errorf("auth: portal user requires an email")
	}
	if strings.TrimSpace(name) == "" {
		name = "Student"
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return User{}, false, fmt.Errorf("auth: portal password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(base64.RawURLEncoding.EncodeToString(secret)), bcrypt.DefaultCost)
	if err != nil {
		return User{}, false, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err = s.repo.CreateUser(ctx, CreateUserParams{
		Email:        email,
		FullName:     name,
		PasswordHash: string(hash),
		PartnerID:    partnerID,
		Capabilities: []Capability{CapabilitySelfService},
	})
	if err != nil {
		return User{}, false, err
	}
	return user, true, nil
}

// VerifyToken validates a JWT token and returns the session identity.
func (s *Service) VerifyToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("auth: invalid token")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Identity{}, fmt.Errorf("auth: invalid user_id in token")
	}
	// JSON numbers decode as float64.
	partner, ok := claims["partner_id"].(float64)
	if !ok {
		return Identity{}, fmt.Errorf("auth: invalid partner_id in token")
	}
	rawCaps, ok := claims["caps"].([]interface{})
	if !ok {
		return Identity{}, fmt.Errorf("auth: invalid caps in token")
	}

	identity := Identity{UserID: userID, PartnerID: int64(partner)}
	for _, raw := range rawCaps {
		str, ok := raw.(string)
		if !ok || !isValidCapability(Capability(str)) {
			return Identity{}, fmt.Errorf("auth: invalid capability %v in token", raw)
		}
		identity.Capabilities = append(identity.Capabilities, Capability(str))
	}
	return identity, nil
}

func (s *Service) generateToken(user User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id":    user.ID,
		"partner_id": user.PartnerID,
		"caps":       capabilityStrings(user.Capabilities),
		"exp":        now.Add(tokenTTL).Unix(),
		"iat":        now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidCapability(c Capability) bool {
	switch c {
	case CapabilityManager, CapabilitySelfService, CapabilityAdministrator:
		return true
	default:
		return false
	}
}
