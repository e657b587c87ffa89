package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"duel/internal/store"
)

const tokenTTL = 24 * time.Hour

type authSession struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// AuthStore manages registered users and their bearer tokens. Tokens are
// in-memory only; users persist in the store.
type AuthStore struct {
	store  *store.Store
	mu     sync.RWMutex
	tokens map[string]authSession
	stopCh chan struct{}
}

// NewAuthStore creates an auth store and starts its expiry sweep
func NewAuthStore(st *store.Store) *AuthStore {
	as := &AuthStore{
		store:  st,
		tokens: make(map[string]authSession),
		stopCh: make(chan struct{}),
	}
	go as.cleanupLoop()
	return as
}

// Register creates a new user with a bcrypt-hashed password
func (as *AuthStore) Register(ctx context.Context, username, password string) (*store.User, error) {
	if len(username) < 3 {
		return nil, fmt.Errorf("username must be at least 3 characters")
	}
	if len(password) < 6 {
		return nil, fmt.Errorf("password must be at least 6 characters")
	}

	existing, err := as.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("username already taken")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if err := as.store.CreateUser(ctx, id, username, string(hash)); err != nil {
		return nil, err
	}

	return &store.User{ID: id, Username: username}, nil
}

// Login verifies credentials and issues a bearer token
func (as *AuthStore) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	user, err := as.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", nil, err
	}
	if user == nil {
		return "", nil, fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, fmt.Errorf("invalid credentials")
	}

	token := generateToken()
	as.mu.Lock()
	as.tokens[token] = authSession{
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: time.Now().Add(tokenTTL),
	}
	as.mu.Unlock()

	return token, user, nil
}

// Authenticate resolves a token to its user, if valid
func (as *AuthStore) Authenticate(token string) (userID, username string, ok bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	sess, found := as.tokens[token]
	if !found || time.Now().After(sess.ExpiresAt) {
		return "", "", false
	}
	return sess.UserID, sess.Username, true
}

// Revoke drops a token
func (as *AuthStore) Revoke(token string) {
	as.mu.Lock()
	delete(as.tokens, token)
	as.mu.Unlock()
}

func (as *AuthStore) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			as.cleanup()
		case <-as.stopCh:
			return
		}
	}
}

func (as *AuthStore) cleanup() {
	as.mu.Lock()
	defer as.mu.Unlock()
	now := time.Now()
	for token, sess := range as.tokens {
		if now.After(sess.ExpiresAt) {
			delete(as.tokens, token)
		}
	}
}

// Stop halts the cleanup goroutine
func (as *AuthStore) Stop() {
	close(as.stopCh)
}

func generateToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
