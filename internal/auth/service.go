package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"quarry/api/internal/store"
	"quarry/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

// UserStore is the user persistence auth needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// SessionStore persists refresh sessions keyed by token hash. The Redis
// store is preferred; the Postgres store serves when Redis is not
// configured.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	users      UserStore
	sessions   SessionStore
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewService(users UserStore, sessions SessionStore, secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		users:      users,
		sessions:   sessions,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// TokenPair is an issued access token plus the refresh token that renews it.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// SignUp creates a user account and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (store.User, TokenPair, error) {
	if email == "" || password == "" || displayName == "" {
		return store.User{}, TokenPair{}, errors.New("email, password, and display name are required")
	}
	if len(password) < 8 {
		return store.User{}, TokenPair{}, ErrWeakPassword
	}
	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, TokenPair{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, TokenPair{}, fmt.Errorf("hash password: %w", err)
	}
	user := store.User{
		ID:           util.NewID("usr"),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return store.User{}, TokenPair{}, fmt.Errorf("create user: %w", err)
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return store.User{}, TokenPair{}, err
	}
	return user, pair, nil
}

// SignIn authenticates by email and password.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, TokenPair, error) {
	if email == "" || password == "" {
		return store.User{}, TokenPair{}, ErrInvalidCredentials
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, TokenPair{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, TokenPair{}, ErrInvalidCredentials
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return store.User{}, TokenPair{}, err
	}
	return user, pair, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued, so a replayed old token fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (store.User, TokenPair, error) {
	if refreshToken == "" {
		return store.User{}, TokenPair{}, ErrInvalidToken
	}
	hash := HashToken(refreshToken)
	session, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return store.User{}, TokenPair{}, ErrInvalidToken
	}
	// The session stores only the user id; claims come from the live row.
	user, err := s.users.GetUserByID(ctx, session.ID)
	if err != nil {
		return store.User{}, TokenPair{}, ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return store.User{}, TokenPair{}, fmt.Errorf("revoke refresh session: %w", err)
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return store.User{}, TokenPair{}, err
	}
	return user, pair, nil
}

// Logout revokes the refresh session.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, HashToken(refreshToken))
}

// Authenticate validates an access token.
func (s *Service) Authenticate(token string) (Claims, error) {
	return ParseToken(s.secret, token)
}

func (s *Service) issuePair(ctx context.Context, user store.User) (TokenPair, error) {
	accessExp := time.Now().Add(s.accessTTL)
	access, err := IssueToken(s.secret, Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  util.NewID("jti"),
		Exp:  accessExp.Unix(),
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}

	refresh, err := randomToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	refreshExp := time.Now().Add(s.refreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, HashToken(refresh), user.ID, refreshExp); err != nil {
		return TokenPair{}, fmt.Errorf("save refresh session: %w", err)
	}

	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
