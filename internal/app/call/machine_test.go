package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/PeerCall/internal/app/queue"
	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/core/coretest"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var n5 = domain.QueueFilters{Level: "N5", Language: "ja"}

type harness struct {
	t       *testing.T
	sig     *coretest.Signal
	capture *coretest.Capturer
	peers   *coretest.EndpointFactory
	m       *Machine

	mu      sync.Mutex
	notices []domain.Notice
}

type option func(*Options, *coretest.Capturer, *coretest.EndpointFactory)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	o := Options{
		User:            "u1",
		Filters:         n5,
		PeerOpenTimeout: time.Second,
		ReadyTimeout:    time.Second,
		SettleDelay:     10 * time.Millisecond,
	}
	h := &harness{
		t:       t,
		sig:     coretest.NewSignal(),
		capture: &coretest.Capturer{},
		peers:   &coretest.EndpointFactory{AutoOpen: true},
	}
	for _, fn := range opts {
		fn(&o, h.capture, h.peers)
	}
	q := queue.NewManager(h.sig, 200*time.Millisecond)
	h.m = NewMachine(o, h.sig, q, h.capture, h.peers)
	h.m.OnNotice(func(n domain.Notice) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.notices = append(h.notices, n)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) snap() Snapshot { return h.m.Snapshot() }

func (h *harness) waitState(s domain.SessionState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.snap().Session.State == s }, waitFor, tick,
		"want %s, have %s", s, h.snap().Session.State)
}

func (h *harness) waitCount(event string, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.sig.Count(event) == n }, waitFor, tick,
		"%s emitted %d times", event, h.sig.Count(event))
}

func (h *harness) noticeCodes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	codes := make([]string, 0, len(h.notices))
	for _, n := range h.notices {
		codes = append(codes, n.Code)
	}
	return codes
}

func (h *harness) waitNotice(code string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, c := range h.noticeCodes() {
			if c == code {
				return true
			}
		}
		return false
	}, waitFor, tick, "notice %q not seen, have %v", code, h.noticeCodes())
}

func (h *harness) search() {
	h.t.Helper()
	on, err := h.m.ToggleCallMode()
	require.NoError(h.t, err)
	require.True(h.t, on)
	h.waitState(domain.StateSearching)
	h.waitCount(core.EvJoinRandomQueue, 1)
}

// connected drives the machine through a match into Connecting.
func (h *harness) connected(partner domain.UserID) *coretest.Endpoint {
	h.t.Helper()
	h.sig.Deliver(core.EvMatchFound, core.MatchFoundPayload{PartnerID: partner, PartnerLevel: "N5"})
	h.waitState(domain.StateConnecting)
	ep := h.peers.Last()
	require.NotNil(h.t, ep)
	return ep
}

// inCall drives the machine to InCall by answering the partner's address.
func (h *harness) inCall(partner domain.UserID) (*coretest.Endpoint, *coretest.Call, *coretest.Stream) {
	h.t.Helper()
	ep := h.connected(partner)
	h.sig.Deliver(core.EvReceiveRandomCallPeerID, core.ReceivePeerIDPayload{PeerID: domain.PeerID(partner) + "-peer"})
	require.Eventually(h.t, func() bool { return len(ep.Calls()) == 1 }, waitFor, tick)
	call := ep.Calls()[0]
	remote := coretest.NewStream("remote", true)
	call.Stream(remote)
	h.waitState(domain.StateInCall)
	return ep, call, remote
}

func TestJoinMatchCallAndEnd(t *testing.T) {
	h := newHarness(t)
	h.search()

	var join core.JoinQueuePayload
	require.True(t, h.sig.Last(core.EvJoinRandomQueue, &join))
	assert.Equal(t, n5, join.Filters)
	assert.True(t, h.snap().HasLocalStream)
	assert.True(t, h.snap().Queued)

	ep := h.connected("u2")
	var sent core.SendPeerIDPayload
	require.True(t, h.sig.Last(core.EvSendRandomCallPeerID, &sent))
	assert.Equal(t, domain.UserID("u2"), sent.PartnerID)
	assert.Equal(t, ep.ID(), sent.PeerID)
	assert.False(t, h.snap().Queued)

	h.sig.Deliver(core.EvReceiveRandomCallPeerID, core.ReceivePeerIDPayload{PeerID: "u2-peer"})
	require.Eventually(t, func() bool { return len(ep.Calls()) == 1 }, waitFor, tick)
	call := ep.Calls()[0]
	assert.True(t, call.Outbound)
	assert.Equal(t, domain.PeerID("u2-peer"), call.Peer())

	remote := coretest.NewStream("remote", true)
	call.Stream(remote)
	h.waitState(domain.StateInCall)
	s := h.snap()
	assert.Equal(t, domain.UserID("u2"), s.Session.PartnerID)
	assert.NotEmpty(t, s.Session.ID)
	assert.False(t, s.Session.StartedAt.IsZero())
	assert.True(t, s.HasLocalStream)
	assert.True(t, s.HasRemoteStream)

	require.NoError(t, h.m.EndCurrentCall())
	h.waitState(domain.StateSearching)

	var end core.PartnerPayload
	require.True(t, h.sig.Last(core.EvEndRandomCall, &end))
	assert.Equal(t, domain.UserID("u2"), end.PartnerID)
	assert.Equal(t, 1, call.Closed())
	assert.Equal(t, 1, ep.Destroyed())
	assert.EqualValues(t, 1, remote.Stops())
	assert.EqualValues(t, 1, h.capture.Streams()[0].Stops())

	// A fresh stream is captured and the queue joined again.
	h.waitCount(core.EvJoinRandomQueue, 2)
	require.Len(t, h.capture.Streams(), 2)
	s = h.snap()
	assert.Empty(t, s.Session.PartnerID)
	assert.False(t, s.Session.HasRated)
	assert.False(t, s.HasRemoteStream)
}

func TestPeerOpenTimeoutEndsIdle(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *coretest.Capturer, f *coretest.EndpointFactory) {
		o.PeerOpenTimeout = 30 * time.Millisecond
		f.AutoOpen = false
	})
	h.search()

	h.sig.Deliver(core.EvMatchFound, core.MatchFoundPayload{PartnerID: "u2"})
	h.waitNotice("timeout")
	h.waitState(domain.StateIdle)

	s := h.snap()
	assert.False(t, s.CallMode)
	assert.False(t, s.HasLocalStream)
	assert.False(t, s.HasRemoteStream)
	assert.EqualValues(t, 1, h.capture.Streams()[0].Stops())
	assert.Equal(t, 1, h.peers.Last().Destroyed())
	assert.Equal(t, 1, h.sig.Count(core.EvEndRandomCall))

	// No automatic re-match.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.sig.Count(core.EvJoinRandomQueue))
	assert.Equal(t, 0, h.sig.Count(core.EvSendRandomCallPeerID))
}

func TestToggleOffDuringCaptureStopsLateStream(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(_ *Options, c *coretest.Capturer, _ *coretest.EndpointFactory) {
		c.Gate = gate
		c.IgnoreCancel = true
	})

	on, err := h.m.ToggleCallMode()
	require.NoError(t, err)
	require.True(t, on)
	on, err = h.m.ToggleCallMode()
	require.NoError(t, err)
	require.False(t, on)
	h.waitState(domain.StateIdle)

	close(gate)
	require.Eventually(t, func() bool {
		st := h.capture.Streams()
		return len(st) == 1 && st[0].Stopped()
	}, waitFor, tick)

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, h.capture.Streams()[0].Stops())
	s := h.snap()
	assert.False(t, s.HasLocalStream)
	assert.False(t, s.CallMode)
	assert.Equal(t, 0, h.sig.Count(core.EvJoinRandomQueue))
}

func TestToggleOffWhileSearching(t *testing.T) {
	h := newHarness(t)
	h.search()

	on, err := h.m.ToggleCallMode()
	require.NoError(t, err)
	assert.False(t, on)
	h.waitState(domain.StateIdle)

	assert.Equal(t, 1, h.sig.Count(core.EvLeaveRandomQueue))
	assert.EqualValues(t, 1, h.capture.Streams()[0].Stops())
	assert.False(t, h.snap().Queued)
}

func TestRatePartnerOnce(t *testing.T) {
	h := newHarness(t)
	h.search()
	h.inCall("u2")

	require.NoError(t, h.m.RatePartner(5))
	assert.True(t, h.snap().Session.HasRated)

	err := h.m.RatePartner(3)
	assert.ErrorIs(t, err, domain.ErrRatingRejected)
	assert.Equal(t, 1, h.sig.Count(core.EvRatePartner))

	var r core.RatePartnerPayload
	require.True(t, h.sig.Last(core.EvRatePartner, &r))
	assert.Equal(t, domain.UserID("u2"), r.PartnerID)
	assert.Equal(t, 5, r.Rating)
}

func TestRatePartnerRejected(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.m.RatePartner(4), domain.ErrRatingRejected, "no session")

	h.search()
	h.connected("u2")
	assert.ErrorIs(t, h.m.RatePartner(0), domain.ErrRatingRejected)
	assert.ErrorIs(t, h.m.RatePartner(6), domain.ErrRatingRejected)
	assert.Equal(t, 0, h.sig.Count(core.EvRatePartner))
}

func TestRatingSendFailure(t *testing.T) {
	h := newHarness(t)
	h.search()
	h.inCall("u2")

	h.sig.FailEmit(core.EvRatePartner, errors.New("write failed"))
	err := h.m.RatePartner(4)
	assert.ErrorIs(t, err, domain.ErrRatingNotSent)
	assert.NotErrorIs(t, err, domain.ErrQueue)
	assert.Equal(t, "rating_failed", domain.NoticeFor(err).Code)
	assert.False(t, h.snap().Session.HasRated)

	// The rating may be retried once the send works.
	h.sig.FailEmit(core.EvRatePartner, nil)
	require.NoError(t, h.m.RatePartner(4))
	assert.True(t, h.snap().Session.HasRated)
	assert.Equal(t, 1, h.sig.Count(core.EvRatePartner))
}

func TestPartnerSkippedResumesSearch(t *testing.T) {
	h := newHarness(t)
	h.search()
	_, call, remote := h.inCall("u2")

	h.sig.Deliver(core.EvPartnerSkipped, struct{}{})
	h.waitState(domain.StateSearching)
	h.waitNotice("partner_skipped")

	assert.Equal(t, 0, h.sig.Count(core.EvEndRandomCall))
	assert.Equal(t, 0, h.sig.Count(core.EvNextPartner))
	assert.Equal(t, 1, call.Closed())
	assert.EqualValues(t, 1, remote.Stops())
	h.waitCount(core.EvJoinRandomQueue, 2)
}

func TestNextPartnerRequeues(t *testing.T) {
	h := newHarness(t)
	h.search()
	h.inCall("u2")

	require.NoError(t, h.m.NextPartner())
	h.waitState(domain.StateSearching)

	var p core.NextPartnerPayload
	require.True(t, h.sig.Last(core.EvNextPartner, &p))
	assert.Equal(t, domain.UserID("u2"), p.CurrentPartnerID)
	assert.Equal(t, 0, h.sig.Count(core.EvEndRandomCall))
	require.Eventually(t, func() bool { return h.snap().HasLocalStream }, waitFor, tick)
	assert.True(t, h.snap().Queued)
	assert.Equal(t, 1, h.sig.Count(core.EvJoinRandomQueue))

	// The server re-queued us, so the next match is accepted directly.
	h.connected("u3")
}

func TestIncomingCallIsAnswered(t *testing.T) {
	h := newHarness(t)
	h.search()
	ep := h.connected("u2")

	call := ep.Incoming("u2-peer")
	assert.True(t, call.Answered())
	assert.NotNil(t, call.Local)

	call.Stream(coretest.NewStream("remote", true))
	h.waitState(domain.StateInCall)

	// The partner's address arriving afterwards does not place a second call.
	h.sig.Deliver(core.EvReceiveRandomCallPeerID, core.ReceivePeerIDPayload{PeerID: "u2-peer"})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ep.Calls(), 1)
	assert.Equal(t, domain.StateInCall, h.snap().Session.State)
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.search()
	ep, call, remote := h.inCall("u2")

	require.NoError(t, h.m.Teardown())
	require.NoError(t, h.m.Teardown())
	h.waitState(domain.StateIdle)

	s := h.snap()
	assert.False(t, s.CallMode)
	assert.False(t, s.HasLocalStream)
	assert.False(t, s.HasRemoteStream)
	assert.Equal(t, 1, h.sig.Count(core.EvEndRandomCall))
	assert.Equal(t, 1, call.Closed())
	assert.Equal(t, 1, ep.Destroyed())
	assert.EqualValues(t, 1, remote.Stops())
	assert.EqualValues(t, 1, h.capture.Streams()[0].Stops())

	// Late callbacks of the torn-down session change nothing.
	call.Drop(errors.New("late"))
	late := coretest.NewStream("late", true)
	call.Stream(late)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.StateIdle, h.snap().Session.State)
	assert.Empty(t, h.noticeCodes())
}

func TestCallFailureRestartsSearch(t *testing.T) {
	h := newHarness(t)
	h.search()
	_, call, _ := h.inCall("u2")

	call.Drop(errors.New("ice failed"))
	h.waitNotice("peer")
	h.waitState(domain.StateSearching)
	assert.True(t, h.snap().CallMode)
	assert.Equal(t, 1, h.sig.Count(core.EvEndRandomCall))
	h.waitCount(core.EvJoinRandomQueue, 2)
}

func TestMediaFailureDisablesCallMode(t *testing.T) {
	h := newHarness(t, func(_ *Options, c *coretest.Capturer, _ *coretest.EndpointFactory) {
		c.Err = errors.New("permission denied")
	})

	_, err := h.m.ToggleCallMode()
	require.NoError(t, err)
	h.waitNotice("media")
	h.waitState(domain.StateIdle)
	assert.False(t, h.snap().CallMode)
	assert.Equal(t, 0, h.sig.Count(core.EvJoinRandomQueue))
}

func TestSignalLossDuringCall(t *testing.T) {
	h := newHarness(t)
	h.search()
	ep, call, _ := h.inCall("u2")

	h.sig.SetConnected(false)
	h.waitNotice("peer")
	h.waitState(domain.StateSearching)
	assert.Equal(t, 1, call.Closed())
	assert.Equal(t, 1, ep.Destroyed())
	assert.False(t, h.snap().SignalConnected)

	h.sig.SetConnected(true)
	h.waitCount(core.EvJoinRandomQueue, 2)
	require.Eventually(t, func() bool { return h.snap().Queued }, waitFor, tick)
}

func TestSignalLossWhileSearching(t *testing.T) {
	h := newHarness(t)
	h.search()

	h.sig.SetConnected(false)
	h.waitNotice("queue")
	require.Eventually(t, func() bool { return !h.snap().Queued }, waitFor, tick)
	assert.Equal(t, domain.StateSearching, h.snap().Session.State)

	h.sig.SetConnected(true)
	h.waitCount(core.EvJoinRandomQueue, 2)
}

func TestUnexpectedMatchIgnored(t *testing.T) {
	h := newHarness(t)

	h.sig.Deliver(core.EvMatchFound, core.MatchFoundPayload{PartnerID: "u2"})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.StateIdle, h.snap().Session.State)
	assert.Empty(t, h.peers.Endpoints())
}

func TestSetFiltersRejoins(t *testing.T) {
	h := newHarness(t)
	h.search()

	n4 := domain.QueueFilters{Level: "N4", Language: "ja"}
	require.NoError(t, h.m.SetFilters(n4))
	h.waitCount(core.EvLeaveRandomQueue, 1)
	// The server acknowledges the leave; the rejoin must not stop the search.
	h.sig.Deliver(core.EvSearchStopped, struct{}{})
	h.waitCount(core.EvJoinRandomQueue, 2)

	var join core.JoinQueuePayload
	require.True(t, h.sig.Last(core.EvJoinRandomQueue, &join))
	assert.Equal(t, n4, join.Filters)
	assert.True(t, h.snap().CallMode)
	assert.Equal(t, domain.StateSearching, h.snap().Session.State)
}

func TestLateLeaveAckKeepsSearching(t *testing.T) {
	h := newHarness(t)
	h.search()

	n4 := domain.QueueFilters{Level: "N4", Language: "ja"}
	require.NoError(t, h.m.SetFilters(n4))
	h.waitCount(core.EvLeaveRandomQueue, 1)
	// No acknowledgement within the bound: the new join goes out first.
	h.waitCount(core.EvJoinRandomQueue, 2)
	require.Eventually(t, func() bool { return h.snap().Queued }, waitFor, tick)

	h.sig.Deliver(core.EvSearchStopped, struct{}{})
	time.Sleep(30 * time.Millisecond)

	s := h.snap()
	assert.True(t, s.CallMode)
	assert.True(t, s.Queued)
	assert.Equal(t, domain.StateSearching, s.Session.State)
	assert.Equal(t, 1, h.sig.Count(core.EvLeaveRandomQueue))
	assert.NotContains(t, h.noticeCodes(), "search_stopped")
}

func TestServerStopEndsSearch(t *testing.T) {
	h := newHarness(t)
	h.search()

	h.sig.Deliver(core.EvSearchStopped, struct{}{})
	h.waitNotice("search_stopped")
	h.waitState(domain.StateIdle)

	s := h.snap()
	assert.False(t, s.CallMode)
	assert.False(t, s.Queued)
	assert.False(t, s.HasLocalStream)
	assert.Equal(t, 0, h.sig.Count(core.EvLeaveRandomQueue))
}

func TestConnectingTimesOutWithoutStream(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *coretest.Capturer, _ *coretest.EndpointFactory) {
		o.ReadyTimeout = 150 * time.Millisecond
	})
	h.search()
	ep := h.connected("u2")

	h.sig.Deliver(core.EvReceiveRandomCallPeerID, core.ReceivePeerIDPayload{PeerID: "u2-peer"})
	require.Eventually(t, func() bool { return len(ep.Calls()) == 1 }, waitFor, tick)
	call := ep.Calls()[0]

	// The partner never answers: no stream and no close.
	h.waitNotice("timeout")
	h.waitState(domain.StateIdle)

	s := h.snap()
	assert.False(t, s.CallMode)
	assert.False(t, s.HasLocalStream)
	assert.Equal(t, 1, call.Closed())
	assert.Equal(t, 1, ep.Destroyed())
	assert.Equal(t, 1, h.sig.Count(core.EvEndRandomCall))
	assert.Equal(t, 1, h.sig.Count(core.EvJoinRandomQueue))
}

func TestMuteCarriesAcrossStreams(t *testing.T) {
	h := newHarness(t)

	muted, err := h.m.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)

	h.search()
	assert.False(t, h.capture.Streams()[0].AudioEnabled())

	muted, err = h.m.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, h.capture.Streams()[0].AudioEnabled())

	off, err := h.m.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, off)
	assert.False(t, h.capture.Streams()[0].VideoEnabled())
}

func TestCommandsAfterStop(t *testing.T) {
	sig := coretest.NewSignal()
	q := queue.NewManager(sig, time.Millisecond)
	m := NewMachine(Options{User: "u1"}, sig, q, &coretest.Capturer{}, &coretest.EndpointFactory{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.Run(ctx), context.Canceled)

	_, err := m.ToggleCallMode()
	assert.ErrorIs(t, err, ErrStopped)
}
