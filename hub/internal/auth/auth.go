// Package auth verifies bearer tokens and manages account credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/murmur-chat/murmur/hub/internal/store"
)

var (
	// ErrInvalidCredential is returned for any token that fails verification:
	// malformed, badly signed, expired, or missing its subject.
	ErrInvalidCredential = errors.New("invalid credential")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidInput       = errors.New("invalid input")
)

var (
	namePattern     = regexp.MustCompile(`^[a-zA-Z\s-]+$`)
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	passwordRules = []struct {
		pattern *regexp.Regexp
		message string
	}{
		{regexp.MustCompile(`[a-z]`), "Password must contain at least one lowercase letter"},
		{regexp.MustCompile(`[A-Z]`), "Password must contain at least one uppercase letter"},
		{regexp.MustCompile(`\d`), "Password must contain at least one number"},
		{regexp.MustCompile(`[@$!%*?&]`), "Password must contain at least one special character"},
	}
)

const (
	maxNameLen     = 150
	maxUsernameLen = 30
	maxEmailLen    = 255
	minPasswordLen = 8
)

// tokenClaims is the JWT payload. The subject is the decimal user id.
type tokenClaims struct {
	Username string `json:"usr,omitempty"`
	jwt.RegisteredClaims
}

// HMACVerifier verifies HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier for tokens signed with secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token, stripping an optional "Bearer " prefix.
func (v *HMACVerifier) Verify(_ context.Context, tokenStr string) (*Claims, error) {
	tokenStr = StripBearer(tokenStr)
	if tokenStr == "" {
		return nil, ErrInvalidCredential
	}

	token, err := jwt.ParseWithClaims(tokenStr, &tokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidCredential
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredential
	}

	id, err := parseSubject(claims.Subject)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	return &Claims{UserID: id, Username: claims.Username}, nil
}

func parseSubject(sub string) (int64, error) {
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("subject %d out of range", id)
	}
	return id, nil
}

// RegisterInput is the payload for creating an account.
type RegisterInput struct {
	Name                 string `json:"name"`
	Username             string `json:"username"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"passwordConfirmation"`
}

// Validate trims the text fields and checks every rule, reporting all
// failures at once joined by " | ".
func (in *RegisterInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)

	var problems []string
	switch {
	case in.Name == "":
		problems = append(problems, "Name is required")
	case len(in.Name) > maxNameLen:
		problems = append(problems, fmt.Sprintf("Name cannot exceed %d characters", maxNameLen))
	case !namePattern.MatchString(in.Name):
		problems = append(problems, "Name can only contain letters, spaces, and hyphens")
	}

	switch {
	case in.Username == "":
		problems = append(problems, "Username is required")
	case len(in.Username) > maxUsernameLen:
		problems = append(problems, fmt.Sprintf("Username cannot exceed %d characters", maxUsernameLen))
	case !usernamePattern.MatchString(in.Username):
		problems = append(problems, "Username can only contain letters, numbers, underscores, and hyphens")
	}

	switch {
	case in.Email == "":
		problems = append(problems, "Email is required")
	case len(in.Email) > maxEmailLen:
		problems = append(problems, fmt.Sprintf("Email cannot exceed %d characters", maxEmailLen))
	case !validEmail(in.Email):
		problems = append(problems, "Invalid email format")
	}

	if len(in.Password) < minPasswordLen {
		problems = append(problems, fmt.Sprintf("Password must be at least %d characters long", minPasswordLen))
	}
	for _, rule := range passwordRules {
		if !rule.pattern.MatchString(in.Password) {
			problems = append(problems, rule.message)
		}
	}
	if in.PasswordConfirmation != in.Password {
		problems = append(problems, "Passwords do not match")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, " | "))
	}
	return nil
}

// validEmail accepts a bare address with a dotted domain, rejecting
// display-name forms like "Alice <a@b.c>".
func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}

// Service handles registration, login, and token issuance.
type Service struct {
	store     store.Store
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewService creates a new auth service.
func NewService(s store.Store, secret string, expiry time.Duration) *Service {
	return &Service{
		store:     s,
		jwtSecret: []byte(secret),
		jwtExpiry: expiry,
	}
}

// Register validates the input and creates a new account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*store.User, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.store.FindUserByUsername(ctx, in.Username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing == nil {
		existing, err = s.store.FindUserByEmail(ctx, in.Email)
		if err != nil {
			return nil, fmt.Errorf("check existing: %w", err)
		}
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		Username:     in.Username,
		Email:        in.Email,
		DisplayName:  in.Name,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login authenticates a user and returns a signed token and the user.
func (s *Service) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return "", nil, fmt.Errorf("get user: %w", err)
	}
	// Accounts without a password hash (the bot) cannot log in.
	if user == nil || user.PasswordHash == "" {
		return "", nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// IssueTokenFor signs a token for an existing user id.
func (s *Service) IssueTokenFor(ctx context.Context, userID int64) (string, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrUserNotFound
	}
	return s.IssueToken(user)
}

// IssueToken signs an HS256 token for user.
func (s *Service) IssueToken(user *store.User) (string, error) {
	now := time.Now()
	claims := &tokenClaims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
