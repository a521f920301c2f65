// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"sync"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyIdentity contextKey = "_identity_"

/*Identity is the authenticated caller behind a valid token.

Identities are added to a request context with

  ctx = identity.ContextWithIdentity(ctx)

and retrieved with

  identity := IdentityFromContext(ctx)
*/
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Token  string `json:"-"`
}

// ContextWithIdentity returns a new context with this identity added to it
func (i *Identity) ContextWithIdentity(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, i)
}

// IdentityFromContext retrieves an identity from the context, or nil
func IdentityFromContext(ctx context.Context) *Identity {
	i, _ := ctx.Value(contextKeyIdentity).(*Identity)
	return i
}

// Session is the client context of one connected client. It holds the client's
// current token. A session is safe for concurrent use.
type Session struct {
	mutex sync.Mutex
	token string
}

// NewSession returns a session without a token
func NewSession() *Session {
	return &Session{}
}

// NewSessionWithToken returns a session whose current token is token, for example
// a bearer token presented by a client
func NewSessionWithToken(token string) *Session {
	return &Session{token: token}
}

// Token returns the current token, or an empty string
func (s *Session) Token() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.token
}

// swap replaces the current token and returns the previous one
func (s *Session) swap(token string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	previous := s.token
	s.token = token
	return previous
}
