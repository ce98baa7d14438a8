// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDInvalid   = errors.New("user id invalid")
)

type UserID string

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, username string) (*User, error) {
	if id == "" || len(id) > MaxUserIDLen {
		return nil, ErrUserIDInvalid
	}
	u := &User{ID: id}
	if err := u.SetUsername(username); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}

// PeerID is the address of one peer endpoint at the broker.
// It is only valid for the lifetime of the endpoint that registered it.
type PeerID string

// NewPeerID derives a fresh endpoint address from the user identity.
func NewPeerID(user UserID) PeerID {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return PeerID(fmt.Sprintf("%s-%s", user, token))
}
