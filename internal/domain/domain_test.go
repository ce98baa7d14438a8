package domain

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("u1", "alice")
	require.NoError(t, err)
	assert.Equal(t, UserID("u1"), u.ID)

	_, err = NewUser("", "alice")
	assert.ErrorIs(t, err, ErrUserIDInvalid)
	_, err = NewUser("u1", "")
	assert.ErrorIs(t, err, ErrUsernameEmpty)
	_, err = NewUser("u1", strings.Repeat("a", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)
}

func TestNewPeerIDIsFresh(t *testing.T) {
	a := NewPeerID("u1")
	b := NewPeerID("u1")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(string(a), "u1-"))
}

func TestSessionReset(t *testing.T) {
	s := Session{ID: "s", State: StateInCall, PartnerID: "u2", HasRated: true}
	s.Reset()
	assert.Equal(t, Session{State: StateIdle}, s)
}

func TestRatingValid(t *testing.T) {
	assert.True(t, Rating{PartnerID: "u2", Value: 5}.Valid())
	assert.False(t, Rating{PartnerID: "u2", Value: 0}.Valid())
	assert.False(t, Rating{PartnerID: "u2", Value: 6}.Valid())
	assert.False(t, Rating{Value: 3}.Valid())
}

func TestNoticeFor(t *testing.T) {
	wrapped := fmt.Errorf("peer open: %w", ErrSignalingTimeout)
	n := NoticeFor(wrapped)
	assert.Equal(t, "timeout", n.Code)
	assert.Equal(t, "Connection timeout", n.Message)
	assert.Equal(t, "queue", NoticeFor(ErrQueue).Code)
	assert.Equal(t, "rating_failed", NoticeFor(fmt.Errorf("rate: %w", ErrRatingNotSent)).Code)
}
