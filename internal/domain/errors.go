package domain

import "errors"

var (
	// ErrQueue: join/leave could not be sent, the signaling transport is down.
	ErrQueue = errors.New("queue unavailable")
	// ErrMediaAccess: capture device denied or missing.
	ErrMediaAccess = errors.New("media access failed")
	// ErrSignalingTimeout: peer open, partner address or remote stream did not
	// arrive in time.
	ErrSignalingTimeout = errors.New("connection timeout")
	// ErrPeerConnection: the peer call failed or was closed.
	ErrPeerConnection = errors.New("peer connection failed")
	// ErrRatingRejected: local guard, nothing is sent.
	ErrRatingRejected = errors.New("rating rejected")
	// ErrRatingNotSent: the rating was allowed but could not be sent.
	ErrRatingNotSent = errors.New("rating not sent")
)

type NoticeKind string

const (
	NoticeInfo    NoticeKind = "info"
	NoticeWarning NoticeKind = "warning"
	NoticeError   NoticeKind = "error"
)

// Notice is a transient user-visible message.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

// NoticeFor maps an error of the taxonomy to the notice shown to the user.
func NoticeFor(err error) Notice {
	switch {
	case errors.Is(err, ErrQueue):
		return Notice{Kind: NoticeWarning, Code: "queue", Message: "Not connected to the matching server, try again"}
	case errors.Is(err, ErrMediaAccess):
		return Notice{Kind: NoticeError, Code: "media", Message: "Camera or microphone is not available"}
	case errors.Is(err, ErrSignalingTimeout):
		return Notice{Kind: NoticeError, Code: "timeout", Message: "Connection timeout"}
	case errors.Is(err, ErrPeerConnection):
		return Notice{Kind: NoticeWarning, Code: "peer", Message: "Call connection lost"}
	case errors.Is(err, ErrRatingRejected):
		return Notice{Kind: NoticeInfo, Code: "rating", Message: "Partner already rated"}
	case errors.Is(err, ErrRatingNotSent):
		return Notice{Kind: NoticeWarning, Code: "rating_failed", Message: "Rating could not be sent, try again"}
	}
	return Notice{Kind: NoticeError, Code: "unknown", Message: err.Error()}
}
