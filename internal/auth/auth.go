// Package auth is the seam to the external identity provider. The hub
// only depends on the Authenticator interface; the implementations here
// cover HMAC-signed tokens and anonymous guests.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid credentials")

// Identity is an authenticated user.
type Identity struct {
	UserID      string
	DisplayName string
}

// Authenticator validates credentials presented on a connection.
type Authenticator interface {
	Authenticate(ctx context.Context, token, name string) (Identity, error)
}

// HMACAuthenticator accepts tokens of the form
// <userID>:<displayName>:<hex hmac-sha256("<userID>:<displayName>")>.
type HMACAuthenticator struct {
	secret []byte
}

func NewHMACAuthenticator(secret string) *HMACAuthenticator {
	return &HMACAuthenticator{secret: []byte(secret)}
}

func (a *HMACAuthenticator) Authenticate(_ context.Context, token, _ string) (Identity, error) {
	parts := strings.Split(strings.TrimSpace(token), ":")
	if len(parts) != 3 || parts[0] == "" {
		return Identity{}, ErrInvalidToken
	}
	want := Sign(string(a.secret), parts[0], parts[1])
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(parts[2]))) {
		return Identity{}, ErrInvalidToken
	}
	name := parts[1]
	if name == "" {
		name = parts[0]
	}
	return Identity{UserID: parts[0], DisplayName: name}, nil
}

// Sign computes the token signature for userID/displayName. Exported
// for the identity issuer and for tests.
func Sign(secret, userID, displayName string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID + ":" + displayName))
	return hex.EncodeToString(mac.Sum(nil))
}

// GuestAuthenticator trusts the declared identity. The token, when
// present, is used as a stable user id so a guest can reconnect into
// the same seat; otherwise a fresh guest id is issued.
type GuestAuthenticator struct{}

func (GuestAuthenticator) Authenticate(_ context.Context, token, name string) (Identity, error) {
	id := strings.TrimSpace(token)
	if id == "" {
		id = "guest-" + uuid.NewString()[:8]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	return Identity{UserID: id, DisplayName: name}, nil
}
