package peer

import (
	"encoding/json"

	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Broker message types (PeerJS server protocol).
const (
	msgOpen      = "OPEN"
	msgOffer     = "OFFER"
	msgAnswer    = "ANSWER"
	msgCandidate = "CANDIDATE"
	msgLeave     = "LEAVE"
	msgExpire    = "EXPIRE"
	msgError     = "ERROR"
	msgIDTaken   = "ID-TAKEN"
	msgHeartbeat = "HEARTBEAT"
)

const connTypeMedia = "media"

type brokerMsg struct {
	Type    string          `json:"type"`
	Src     domain.PeerID   `json:"src,omitempty"`
	Dst     domain.PeerID   `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type sdpPayload struct {
	SDP          webrtc.SessionDescription `json:"sdp"`
	Type         string                    `json:"type"`
	ConnectionID string                    `json:"connectionId"`
}

type candidatePayload struct {
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
	Type         string                  `json:"type"`
	ConnectionID string                  `json:"connectionId"`
}

type errorPayload struct {
	Msg string `json:"msg"`
}
