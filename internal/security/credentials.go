// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/devops-cli/internal/storage"
)

// =============================================================================
// USER RECORD
// =============================================================================

// User is a registered identity. The token itself is never stored; only
// its salted digest is.
type User struct {
	// ID is assigned at registration and never reused, so a removed and
	// re-added email is a different user.
	ID              string     `json:"id"`
	Email           string     `json:"email" validate:"required,email,max=254"`
	Name            string     `json:"name" validate:"max=128"`
	Role            Role       `json:"role" validate:"required,oneof=admin developer"`
	Team            string     `json:"team" validate:"max=64"`
	TokenHash       string     `json:"token_hash"`
	TokenSalt       string     `json:"token_salt"`
	HashAlgorithm   string     `json:"hash_algorithm"`
	TokenGeneration int        `json:"token_generation"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
	CreatedBy       string     `json:"created_by"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
}

// Status returns "active" or "inactive".
func (u User) Status() string {
	if u.Active {
		return "active"
	}
	return "inactive"
}

// UserInfo is the display form of a User, without digest material.
type UserInfo struct {
	Email       string     `json:"email" yaml:"email"`
	Name        string     `json:"name" yaml:"name"`
	Role        Role       `json:"role" yaml:"role"`
	Team        string     `json:"team" yaml:"team"`
	Active      bool       `json:"active" yaml:"active"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	CreatedBy   string     `json:"created_by" yaml:"created_by"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty" yaml:"last_login_at,omitempty"`
}

// Info strips the digest fields.
func (u User) Info() UserInfo {
	return UserInfo{
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		Team:        u.Team,
		Active:      u.Active,
		CreatedAt:   u.CreatedAt,
		CreatedBy:   u.CreatedBy,
		LastLoginAt: u.LastLoginAt,
	}
}

// UserOption sets optional fields on a new user.
type UserOption func(*User)

// WithName sets the display name. Default: the local part of the email.
func WithName(name string) UserOption {
	return func(u *User) {
		if name = strings.TrimSpace(name); name != "" {
			u.Name = name
		}
	}
}

// WithTeam sets the team. Default: "default".
func WithTeam(team string) UserOption {
	return func(u *User) {
		if team = strings.TrimSpace(team); team != "" {
			u.Team = team
		}
	}
}

// WithCreatedBy records the acting admin. Default: "system".
func WithCreatedBy(actor string) UserOption {
	return func(u *User) {
		if actor != "" {
			u.CreatedBy = actor
		}
	}
}

// usersDocument is the persisted form of users.json.
type usersDocument struct {
	Version int              `json:"version"`
	Users   map[string]*User `json:"users"`
}

// SessionRevoker ends every session of a user. SessionManager implements it.
type SessionRevoker interface {
	RevokeAllFor(email string) (int, error)
}

// =============================================================================
// CREDENTIAL STORE
// =============================================================================

// CredentialStore is the durable registry of users and token digests.
type CredentialStore struct {
	backend  storage.Backend
	opts     options
	validate *validator.Validate

	mu      sync.RWMutex
	revoker SessionRevoker

	// dummy digest material so unknown emails cost the same as wrong tokens
	dummySalt string
	dummyHash string
}

// NewCredentialStore creates a store over backend.
func NewCredentialStore(backend storage.Backend, opts ...Option) *CredentialStore {
	o := buildOptions(opts)
	s := &CredentialStore{
		backend:  backend,
		opts:     o,
		validate: validator.New(),
	}
	s.dummySalt, _ = generateSalt()
	s.dummyHash, _ = digestToken(o.hashAlgorithm, s.dummySalt, TokenPrefix)
	return s
}

// SetSessionRevoker wires the session manager that RemoveUser and
// ResetToken cascade into.
func (s *CredentialStore) SetSessionRevoker(r SessionRevoker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoker = r
}

// AddUser registers email with role and returns the record together with
// the plaintext token. The token is not retrievable afterwards.
func (s *CredentialStore) AddUser(email string, role Role, opts ...UserOption) (User, string, error) {
	return s.addUser(email, role, false, opts)
}

// AddFirstUser is AddUser that only succeeds while no users exist. The
// emptiness check runs under the store lock, so of two concurrent first
// registrations one fails with ErrBootstrapClosed.
func (s *CredentialStore) AddFirstUser(email string, role Role, opts ...UserOption) (User, string, error) {
	return s.addUser(email, role, true, opts)
}

func (s *CredentialStore) addUser(email string, role Role, first bool, opts []UserOption) (User, string, error) {
	key := CanonicalEmail(email)
	now := s.opts.clock()

	user := User{
		ID:        uuid.NewString(),
		Email:     key,
		Name:      localPart(key),
		Role:      role,
		Team:      "default",
		Active:    true,
		CreatedAt: now,
		CreatedBy: "system",
	}
	for _, opt := range opts {
		opt(&user)
	}
	if err := s.validateUser(user); err != nil {
		return User{}, "", err
	}

	token, err := s.issue(&user)
	if err != nil {
		return User{}, "", err
	}

	err = updateDocument(s.backend, s.opts, UsersDocument, func(cur []byte) ([]byte, error) {
		doc, err := decodeUsers(cur)
		if err != nil {
			return nil, err
		}
		if first && len(doc.Users) > 0 {
			return nil, ErrBootstrapClosed
		}
		if _, exists := doc.Users[key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, key)
		}
		record := user
		doc.Users[key] = &record
		return encodeJSON(UsersDocument, doc)
	})
	if err != nil {
		return User{}, "", err
	}

	s.opts.logger.Info("user added",
		zap.String("email", key),
		zap.String("role", string(role)))
	return user, token, nil
}

// RemoveUser deletes the record and revokes all of the user's sessions.
func (s *CredentialStore) RemoveUser(email string) error {
	key := CanonicalEmail(email)
	err := updateDocument(s.backend, s.opts, UsersDocument, func(cur []byte) ([]byte, error) {
		doc, err := decodeUsers(cur)
		if err != nil {
			return nil, err
		}
		if _, ok := doc.Users[key]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, key)
		}
		delete(doc.Users, key)
		return encodeJSON(UsersDocument, doc)
	})
	if err != nil {
		return err
	}
	s.cascadeRevoke(key, "user removed")
	return nil
}

// SetActive enables or disables a user. Existing sessions are left alone;
// SessionManager checks Active on every validation.
func (s *CredentialStore) SetActive(email string, active bool) (User, error) {
	key := CanonicalEmail(email)
	var updated User
	err := updateDocument(s.backend, s.opts, UsersDocument, func(cur []byte) ([]byte, error) {
		doc, err := decodeUsers(cur)
		if err != nil {
			return nil, err
		}
		u, ok := doc.Users[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, key)
		}
		u.Active = active
		updated = *u
		return encodeJSON(UsersDocument, doc)
	})
	if err != nil {
		return User{}, err
	}
	return updated, nil
}

// ResetToken replaces the user's token and revokes every session minted
// under the old one. The new plaintext token is returned once.
func (s *CredentialStore) ResetToken(email string) (string, error) {
	key := CanonicalEmail(email)
	var token string
	err := updateDocument(s.backend, s.opts, UsersDocument, func(cur []byte) ([]byte, error) {
		doc, err := decodeUsers(cur)
		if err != nil {
			return nil, err
		}
		u, ok := doc.Users[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, key)
		}
		token, err = s.issue(u)
		if err != nil {
			return nil, err
		}
		u.TokenGeneration++
		return encodeJSON(UsersDocument, doc)
	})
	if err != nil {
		return "", err
	}
	s.cascadeRevoke(key, "token reset")
	return token, nil
}

// Verify checks a presented token. Unknown emails and wrong tokens both
// yield ErrInvalidCredentials after the same amount of hashing work. A
// matching token on a deactivated account returns the user together with
// ErrAccountDisabled.
func (s *CredentialStore) Verify(email, token string) (User, error) {
	key := CanonicalEmail(email)
	doc, err := s.load()
	if err != nil {
		return User{}, err
	}

	u, ok := doc.Users[key]
	if !ok {
		// SECURITY: Burn the same digest work as a real comparison.
		got, _ := digestToken(s.opts.hashAlgorithm, s.dummySalt, token)
		digestsEqual(got, s.dummyHash)
		return User{}, ErrInvalidCredentials
	}

	got, err := digestToken(u.HashAlgorithm, u.TokenSalt, token)
	if err != nil {
		return User{}, &CorruptionError{Document: UsersDocument, Err: err}
	}
	if !digestsEqual(got, u.TokenHash) {
		return User{}, ErrInvalidCredentials
	}
	if !u.Active {
		return *u, ErrAccountDisabled
	}
	return *u, nil
}

// Get returns a single user.
func (s *CredentialStore) Get(email string) (User, error) {
	key := CanonicalEmail(email)
	doc, err := s.load()
	if err != nil {
		return User{}, err
	}
	u, ok := doc.Users[key]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, key)
	}
	return *u, nil
}

// List returns all users sorted by email.
func (s *CredentialStore) List() ([]User, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(doc.Users))
	for _, u := range doc.Users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}

// Count returns the number of registered users.
func (s *CredentialStore) Count() (int, error) {
	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(doc.Users), nil
}

// RecordLogin stamps lastLoginAt. A user removed in the meantime is not an
// error.
func (s *CredentialStore) RecordLogin(email string, at time.Time) error {
	key := CanonicalEmail(email)
	return updateDocument(s.backend, s.opts, UsersDocument, func(cur []byte) ([]byte, error) {
		doc, err := decodeUsers(cur)
		if err != nil {
			return nil, err
		}
		u, ok := doc.Users[key]
		if !ok {
			return nil, nil
		}
		t := at.UTC()
		u.LastLoginAt = &t
		return encodeJSON(UsersDocument, doc)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// issue generates a token and stores its digest material on u.
func (s *CredentialStore) issue(u *User) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	salt, err := generateSalt()
	if err != nil {
		return "", err
	}
	hash, err := digestToken(s.opts.hashAlgorithm, salt, token)
	if err != nil {
		return "", err
	}
	u.TokenSalt = salt
	u.TokenHash = hash
	u.HashAlgorithm = s.opts.hashAlgorithm
	return token, nil
}

func (s *CredentialStore) cascadeRevoke(email, reason string) {
	s.mu.RLock()
	r := s.revoker
	s.mu.RUnlock()
	if r == nil {
		return
	}
	// Sessions also carry the user ID and token generation and are checked
	// against the user record, so a failed cascade still leaves them unusable.
	n, err := r.RevokeAllFor(email)
	if err != nil {
		s.opts.logger.Warn("failed to revoke sessions",
			zap.String("email", email),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	s.opts.logger.Debug("revoked sessions",
		zap.String("email", email),
		zap.String("reason", reason),
		zap.Int("count", n))
}

func (s *CredentialStore) validateUser(u User) error {
	if err := s.validate.Struct(u); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.ToLower(fe.Field())
			switch fe.Tag() {
			case "required":
				return &ValidationError{Field: field, Reason: "is required"}
			case "email":
				return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a valid email address", fe.Value())}
			case "oneof":
				return &ValidationError{Field: field, Reason: fmt.Sprintf("must be one of: %s", fe.Param())}
			case "max":
				return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %s characters", fe.Param())}
			default:
				return &ValidationError{Field: field, Reason: fmt.Sprintf("failed %q check", fe.Tag())}
			}
		}
		return err
	}
	return nil
}

func (s *CredentialStore) load() (*usersDocument, error) {
	data, err := readDocument(s.backend, s.opts, UsersDocument)
	if err != nil {
		return nil, err
	}
	return decodeUsers(data)
}

func decodeUsers(data []byte) (*usersDocument, error) {
	doc := &usersDocument{Version: documentVersion}
	if err := decodeJSON(UsersDocument, data, doc); err != nil {
		return nil, err
	}
	if doc.Users == nil {
		doc.Users = make(map[string]*User)
	}
	for key, u := range doc.Users {
		if u == nil || u.Email != key {
			return nil, &CorruptionError{Document: UsersDocument, Err: fmt.Errorf("record for %q does not match its key", key)}
		}
	}
	return doc, nil
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
