// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package access provides user accounts and token based sessions.

A Manager registers users, logs them in and out and validates session tokens.
Passwords are stored as bcrypt hashes. Tokens are HS256 signed JWTs with a
random id; the signature proves that a token was issued here, the session table
decides whether it is still valid. A revoked token never validates again.

Validation is lock-free. Users, the email index and the session table are kept in
sync.Maps and are written through to the registry.
*/
package access

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/logger"
	"github.com/relabs-tech/livestore/core/persistence"
	"github.com/relabs-tech/livestore/core/pointers"
	"github.com/relabs-tech/livestore/core/registry"
	"github.com/relabs-tech/livestore/core/value"
)

// User is a registered user without credentials
type User struct {
	ID        string        `json:"id"`
	Email     string        `json:"email"`
	Data      *value.Object `json:"data"`
	CreatedAt time.Time     `json:"createdAt"`
}

type userRecord struct {
	User
	PasswordHash string `json:"passwordHash"`
}

// UserUpdate holds the changes of UpdateUserInfo. Nil fields are left unchanged.
// Data is merged into the profile, every top level field replaces the stored one.
type UserUpdate struct {
	Email    *string       `json:"email,omitempty"`
	Password *string       `json:"password,omitempty"`
	Data     *value.Object `json:"data,omitempty"`
}

// Builder is a builder helper for the Manager
type Builder struct {
	// Driver is the persistence backend for users and sessions. Mandatory.
	Driver persistence.Driver
	// Secret is the HMAC key for signing tokens. Mandatory.
	Secret []byte
	// TokenTTL is the lifetime of a token. Zero means tokens never expire.
	TokenTTL time.Duration
	// BcryptCost is the bcrypt cost factor. Defaults to bcrypt.DefaultCost.
	BcryptCost int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Manager is the session and auth manager
type Manager struct {
	users    registry.Accessor
	emails   registry.Accessor
	sessions registry.Accessor

	secret   []byte
	tokenTTL time.Duration
	cost     int
	now      func() time.Time

	// serializes user mutations, so that the email index stays unique
	mutex sync.Mutex

	userCache  sync.Map // user id -> *userRecord
	emailIndex sync.Map // lower case email -> user id
	tokens     sync.Map // token id -> *tokenState
}

// New creates a new manager and loads users and sessions from the registry
func New(bb *Builder) *Manager {
	if bb.Driver == nil {
		panic("driver missing")
	}
	if len(bb.Secret) == 0 {
		panic("secret missing")
	}
	r := registry.New(bb.Driver)
	m := &Manager{
		users:    r.Accessor(registry.Users),
		emails:   r.Accessor(registry.Emails),
		sessions: r.Accessor(registry.Sessions),
		secret:   bb.Secret,
		tokenTTL: bb.TokenTTL,
		cost:     bb.BcryptCost,
		now:      bb.Now,
	}
	if m.cost == 0 {
		m.cost = bcrypt.DefaultCost
	}
	if m.now == nil {
		m.now = time.Now
	}
	ctx := context.Background()
	if err := m.loadUsers(ctx); err != nil {
		panic(err)
	}
	if err := m.loadSessions(ctx); err != nil {
		panic(err)
	}
	return m
}

func unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" || !strings.Contains(email, "@") {
		return core.Validation("invalid email address %q", email)
	}
	return nil
}

func (m *Manager) loadUsers(ctx context.Context) error {
	err := m.users.Scan(ctx, func(key string, data []byte) error {
		var record userRecord
		if err := unmarshal(data, &record); err != nil {
			return err
		}
		m.userCache.Store(record.ID, &record)
		return nil
	})
	if err != nil {
		return err
	}
	return m.emails.Scan(ctx, func(key string, data []byte) error {
		var userID string
		if err := unmarshal(data, &userID); err != nil {
			return err
		}
		m.emailIndex.Store(key, userID)
		return nil
	})
}

func (m *Manager) user(userID string) (User, bool) {
	v, ok := m.userCache.Load(userID)
	if !ok {
		return User{}, false
	}
	record := v.(*userRecord)
	user := record.User
	user.Data = user.Data.Clone()
	return user, true
}

func (m *Manager) userByEmail(email string) (*userRecord, bool) {
	userID, ok := m.emailIndex.Load(normalizeEmail(email))
	if !ok {
		return nil, false
	}
	v, ok := m.userCache.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*userRecord), true
}

func (m *Manager) writeUser(ctx context.Context, record *userRecord) error {
	if err := m.users.Write(ctx, record.ID, record); err != nil {
		return core.Internal(err, "cannot write user %s", record.ID)
	}
	m.userCache.Store(record.ID, record)
	return nil
}

// Register creates a new user and logs it in. The new token becomes the current
// token of the session. Emails are unique, ignoring case.
func (m *Manager) Register(ctx context.Context, session *Session, email, password string, data *value.Object) (User, error) {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return User{}, err
	}
	if password == "" {
		return User{}, core.Validation("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return User{}, core.Internal(err, "cannot hash password")
	}

	record := &userRecord{
		User: User{
			ID:        uuid.NewString(),
			Email:     email,
			Data:      data.Clone(),
			CreatedAt: m.now().UTC(),
		},
		PasswordHash: string(hash),
	}

	m.mutex.Lock()
	key := normalizeEmail(email)
	if _, exists := m.emailIndex.Load(key); exists {
		m.mutex.Unlock()
		return User{}, core.Conflict("a user with email %s already exists", email)
	}
	if err = m.writeUser(ctx, record); err != nil {
		m.mutex.Unlock()
		return User{}, err
	}
	if err = m.emails.Write(ctx, key, record.ID); err != nil {
		m.mutex.Unlock()
		return User{}, core.Internal(err, "cannot write email index")
	}
	m.emailIndex.Store(key, record.ID)
	m.mutex.Unlock()

	_, rlog := logger.ContextWithLoggerIdentity(ctx, record.ID)
	rlog.Infoln("registered user", email)

	token, err := m.issue(ctx, record.ID)
	if err != nil {
		return User{}, err
	}
	if err = m.setCurrent(ctx, session, token); err != nil {
		return User{}, err
	}
	user, _ := m.user(record.ID)
	return user, nil
}

// Login verifies the credentials and issues a fresh token, which becomes the
// current token of the session. The previous current token of the session is
// revoked; other tokens of the user stay valid. On failure the session is unchanged.
func (m *Manager) Login(ctx context.Context, session *Session, email, password string) (Identity, error) {
	record, ok := m.userByEmail(email)
	if !ok {
		return Identity{}, core.Unauthenticated("invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password)); err != nil {
		return Identity{}, core.Unauthenticated("invalid email or password")
	}
	token, err := m.issue(ctx, record.ID)
	if err != nil {
		return Identity{}, err
	}
	if err = m.setCurrent(ctx, session, token); err != nil {
		return Identity{}, err
	}
	return Identity{UserID: record.ID, Email: record.Email, Token: token}, nil
}

// Logout revokes the current token of the session and clears the session.
// Logging out a session without token succeeds.
func (m *Manager) Logout(ctx context.Context, session *Session) error {
	token := session.swap("")
	if token == "" {
		return nil
	}
	return m.revoke(ctx, token)
}

// IsAuthenticated returns true if the session holds a valid token
func (m *Manager) IsAuthenticated(session *Session) bool {
	_, err := m.Validate(session.Token())
	return err == nil
}

// Authenticate returns the identity of the session, or Unauthenticated
func (m *Manager) Authenticate(session *Session) (Identity, error) {
	return m.Validate(session.Token())
}

// GetUserInfo returns the user of the session
func (m *Manager) GetUserInfo(ctx context.Context, session *Session) (User, error) {
	identity, err := m.Authenticate(session)
	if err != nil {
		return User{}, err
	}
	user, ok := m.user(identity.UserID)
	if !ok {
		return User{}, core.Unauthenticated("user does not exist")
	}
	return user, nil
}

// UpdateUserInfo changes email, password or profile data of the user of the session
func (m *Manager) UpdateUserInfo(ctx context.Context, session *Session, update UserUpdate) (User, error) {
	identity, err := m.Authenticate(session)
	if err != nil {
		return User{}, err
	}
	if update.Password != nil && pointers.Safe(update.Password) == "" {
		return User{}, core.Validation("password must not be empty")
	}
	var hash []byte
	if update.Password != nil {
		hash, err = bcrypt.GenerateFromPassword([]byte(*update.Password), m.cost)
		if err != nil {
			return User{}, core.Internal(err, "cannot hash password")
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	v, ok := m.userCache.Load(identity.UserID)
	if !ok {
		return User{}, core.Unauthenticated("user does not exist")
	}
	current := v.(*userRecord)
	record := &userRecord{User: current.User, PasswordHash: current.PasswordHash}
	record.Data = current.Data.Clone()

	oldKey := normalizeEmail(current.Email)
	newKey := oldKey
	if update.Email != nil {
		email := strings.TrimSpace(*update.Email)
		if err = validateEmail(email); err != nil {
			return User{}, err
		}
		newKey = normalizeEmail(email)
		if owner, exists := m.emailIndex.Load(newKey); exists && owner.(string) != record.ID {
			return User{}, core.Conflict("a user with email %s already exists", email)
		}
		record.Email = email
	}
	if hash != nil {
		record.PasswordHash = string(hash)
	}
	if update.Data != nil {
		record.Data = record.Data.Merge(update.Data)
	}

	if err = m.writeUser(ctx, record); err != nil {
		return User{}, err
	}
	if newKey != oldKey {
		if err = m.emails.Write(ctx, newKey, record.ID); err != nil {
			return User{}, core.Internal(err, "cannot write email index")
		}
		m.emailIndex.Store(newKey, record.ID)
		if err = m.emails.Delete(ctx, oldKey); err != nil {
			return User{}, core.Internal(err, "cannot write email index")
		}
		m.emailIndex.Delete(oldKey)
	}
	user := record.User
	user.Data = user.Data.Clone()
	return user, nil
}

// DeleteUser deletes the user of the session and revokes all of the user's tokens
func (m *Manager) DeleteUser(ctx context.Context, session *Session) error {
	identity, err := m.Authenticate(session)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	v, ok := m.userCache.Load(identity.UserID)
	if !ok {
		m.mutex.Unlock()
		return core.Unauthenticated("user does not exist")
	}
	record := v.(*userRecord)
	key := normalizeEmail(record.Email)
	if err = m.users.Delete(ctx, record.ID); err != nil {
		m.mutex.Unlock()
		return core.Internal(err, "cannot delete user %s", record.ID)
	}
	m.userCache.Delete(record.ID)
	if err = m.emails.Delete(ctx, key); err != nil {
		m.mutex.Unlock()
		return core.Internal(err, "cannot write email index")
	}
	m.emailIndex.Delete(key)
	m.mutex.Unlock()

	session.swap("")
	logger.FromContext(ctx).Infoln("deleted user", record.ID)
	return m.revokeAll(ctx, record.ID)
}
