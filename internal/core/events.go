package core

import "github.com/dkeye/PeerCall/internal/domain"

// Signaling message catalogue between client and matching server.
const (
	EvJoinRandomQueue         = "joinRandomQueue"
	EvJoinedRandomQueue       = "joinedRandomQueue"
	EvSearchingForMatch       = "searchingForMatch"
	EvMatchFound              = "matchFound"
	EvSendRandomCallPeerID    = "sendRandomCallPeerId"
	EvReceiveRandomCallPeerID = "receiveRandomCallPeerId"
	EvEndRandomCall           = "endRandomCall"
	EvLeaveRandomQueue        = "leaveRandomQueue"
	EvNextPartner             = "nextPartner"
	EvPartnerSkipped          = "partnerSkipped"
	EvRatePartner             = "ratePartner"
	EvRatingSubmitted         = "ratingSubmitted"
	EvPartnerRatedYou         = "partnerRatedYou"
	EvRandomCallError         = "randomCallError"
	EvSearchStopped           = "searchStopped"
)

type JoinQueuePayload struct {
	Filters domain.QueueFilters `json:"filters"`
}

type QueueSizePayload struct {
	QueueSize int `json:"queueSize"`
}

type MatchFoundPayload struct {
	PartnerID    domain.UserID `json:"partnerId"`
	PartnerLevel string        `json:"partnerLevel"`
}

type SendPeerIDPayload struct {
	PartnerID domain.UserID `json:"partnerId"`
	PeerID    domain.PeerID `json:"peerId"`
}

type ReceivePeerIDPayload struct {
	PeerID domain.PeerID `json:"peerId"`
}

type PartnerPayload struct {
	PartnerID domain.UserID `json:"partnerId"`
}

type NextPartnerPayload struct {
	CurrentPartnerID domain.UserID `json:"currentPartnerId"`
}

type RatePartnerPayload struct {
	PartnerID domain.UserID `json:"partnerId"`
	Rating    int           `json:"rating"`
}

type PartnerRatedYouPayload struct {
	PartnerName string `json:"partnerName"`
	Rating      int    `json:"rating"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
