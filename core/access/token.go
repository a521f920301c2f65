// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/logger"
)

// tokenRecord is the persisted session table entry of a token. The token itself is
// never stored, only its checksum.
type tokenRecord struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	TokenChecksum string     `json:"tokenChecksum"`
	IssuedAt      time.Time  `json:"issuedAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Revoked       bool       `json:"revoked"`
}

type tokenState struct {
	record  tokenRecord
	revoked atomic.Bool
}

func (t *tokenState) expired(now time.Time) bool {
	return t.record.ExpiresAt != nil && !now.Before(*t.record.ExpiresAt)
}

func checksum(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) keyFunc(token *jwt.Token) (interface{}, error) {
	return m.secret, nil
}

// issue signs a new token for the user and adds it to the session table
func (m *Manager) issue(ctx context.Context, userID string) (string, error) {
	now := m.now().UTC()
	claims := jwt.RegisteredClaims{
		ID:       uuid.NewString(),
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	record := tokenRecord{
		ID:       claims.ID,
		UserID:   userID,
		IssuedAt: now,
	}
	if m.tokenTTL > 0 {
		expiresAt := now.Add(m.tokenTTL)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
		record.ExpiresAt = &expiresAt
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", core.Internal(err, "cannot sign token")
	}
	record.TokenChecksum = checksum(token)
	if err = m.sessions.Write(ctx, record.ID, record); err != nil {
		return "", core.Internal(err, "cannot write session")
	}
	m.tokens.Store(record.ID, &tokenState{record: record})
	return token, nil
}

// lookup returns the session table entry of a token with a valid signature, regardless
// of revocation or expiry
func (m *Manager) lookup(token string) (*tokenState, bool) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, false
	}
	v, ok := m.tokens.Load(claims.ID)
	if !ok {
		return nil, false
	}
	state := v.(*tokenState)
	if subtle.ConstantTimeCompare([]byte(state.record.TokenChecksum), []byte(checksum(token))) != 1 {
		return nil, false
	}
	return state, true
}

// Validate returns the identity behind token. It fails with Unauthenticated if the
// token is unknown, revoked or expired, or if its user no longer exists.
func (m *Manager) Validate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, core.Unauthenticated("no token")
	}
	state, ok := m.lookup(token)
	if !ok {
		return Identity{}, core.Unauthenticated("invalid token")
	}
	if state.revoked.Load() {
		return Identity{}, core.Unauthenticated("token has been revoked")
	}
	if state.expired(m.now()) {
		return Identity{}, core.Unauthenticated("token has expired")
	}
	user, ok := m.user(state.record.UserID)
	if !ok {
		return Identity{}, core.Unauthenticated("user does not exist")
	}
	return Identity{UserID: user.ID, Email: user.Email, Token: token}, nil
}

// revoke marks the token as revoked, forever. Unknown tokens are ignored.
func (m *Manager) revoke(ctx context.Context, token string) error {
	state, ok := m.lookup(token)
	if !ok {
		return nil
	}
	return m.revokeState(ctx, state)
}

func (m *Manager) revokeState(ctx context.Context, state *tokenState) error {
	if !state.revoked.CompareAndSwap(false, true) {
		return nil
	}
	record := state.record
	record.Revoked = true
	if err := m.sessions.Write(ctx, record.ID, record); err != nil {
		return core.Internal(err, "cannot revoke session %s", record.ID)
	}
	logger.FromContext(ctx).Debugf("revoked token %s of user %s", record.ID, record.UserID)
	return nil
}

// revokeAll revokes every token of the user
func (m *Manager) revokeAll(ctx context.Context, userID string) error {
	var firstErr error
	m.tokens.Range(func(key, v interface{}) bool {
		state := v.(*tokenState)
		if state.record.UserID != userID {
			return true
		}
		if err := m.revokeState(ctx, state); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// setCurrent makes token the current token of the session and revokes the previous
// current token of that session
func (m *Manager) setCurrent(ctx context.Context, session *Session, token string) error {
	previous := session.swap(token)
	if previous == "" || previous == token {
		return nil
	}
	return m.revoke(ctx, previous)
}

func (m *Manager) loadSessions(ctx context.Context) error {
	return m.sessions.Scan(ctx, func(key string, data []byte) error {
		var record tokenRecord
		if err := unmarshal(data, &record); err != nil {
			return fmt.Errorf("session %s: %w", key, err)
		}
		state := &tokenState{record: record}
		state.revoked.Store(record.Revoked)
		m.tokens.Store(record.ID, state)
		return nil
	})
}
