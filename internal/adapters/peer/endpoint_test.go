package peer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type brokerConnInfo struct {
	ws    *websocket.Conn
	query url.Values
}

func fakeBroker(t *testing.T) (string, <-chan brokerConnInfo) {
	t.Helper()
	conns := make(chan brokerConnInfo, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- brokerConnInfo{ws: ws, query: r.URL.Query()}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/peerjs", conns
}

func newTestEndpoint(t *testing.T, brokerURL string, heartbeat time.Duration) *Endpoint {
	t.Helper()
	f, err := NewFactory(Options{BrokerURL: brokerURL, Key: "peerjs", HeartbeatInterval: heartbeat}, nil)
	require.NoError(t, err)
	ep, err := f.NewEndpoint("u1-abc")
	require.NoError(t, err)
	t.Cleanup(ep.Destroy)
	return ep.(*Endpoint)
}

func accept(t *testing.T, conns <-chan brokerConnInfo) brokerConnInfo {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { _ = c.ws.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint did not dial the broker")
	}
	return brokerConnInfo{}
}

// startOpen starts ep and completes registration, returning once the
// endpoint itself reports open.
func startOpen(t *testing.T, ep *Endpoint, conns <-chan brokerConnInfo) brokerConnInfo {
	t.Helper()
	opened := make(chan struct{})
	ep.OnOpen(func() { close(opened) })
	require.NoError(t, ep.Start())
	c := accept(t, conns)
	writeMsg(t, c.ws, brokerMsg{Type: msgOpen})
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen not called")
	}
	return c
}

func writeMsg(t *testing.T, ws *websocket.Conn, m brokerMsg) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(m))
}

func readMsg(t *testing.T, ws *websocket.Conn, skip ...string) brokerMsg {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var m brokerMsg
		require.NoError(t, ws.ReadJSON(&m))
		skipped := false
		for _, s := range skip {
			if m.Type == s {
				skipped = true
			}
		}
		if !skipped {
			return m
		}
	}
}

func TestOpenRegistersWithBroker(t *testing.T) {
	brokerURL, conns := fakeBroker(t)
	ep := newTestEndpoint(t, brokerURL, 0)

	opened := make(chan struct{})
	ep.OnOpen(func() { close(opened) })
	require.NoError(t, ep.Start())

	c := accept(t, conns)
	assert.Equal(t, "peerjs", c.query.Get("key"))
	assert.Equal(t, "u1-abc", c.query.Get("id"))
	assert.NotEmpty(t, c.query.Get("token"))

	writeMsg(t, c.ws, brokerMsg{Type: msgOpen})
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen not called")
	}
}

func TestIDTakenReportsError(t *testing.T) {
	brokerURL, conns := fakeBroker(t)
	ep := newTestEndpoint(t, brokerURL, 0)

	errs := make(chan error, 1)
	ep.OnError(func(err error) { errs <- err })
	require.NoError(t, ep.Start())

	c := accept(t, conns)
	writeMsg(t, c.ws, brokerMsg{Type: msgIDTaken, Payload: mustJSON(errorPayload{Msg: "ID is taken"})})
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrIDTaken)
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
}

func TestDialFailureReportsError(t *testing.T) {
	ep := newTestEndpoint(t, "ws://127.0.0.1:1/peerjs", 0)
	errs := make(chan error, 1)
	ep.OnError(func(err error) { errs <- err })
	require.NoError(t, ep.Start())

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("OnError not called")
	}
}

func TestBrokerLossAfterOpenIsDisconnect(t *testing.T) {
	brokerURL, conns := fakeBroker(t)
	ep := newTestEndpoint(t, brokerURL, 0)

	opened := make(chan struct{})
	disc := make(chan struct{})
	ep.OnOpen(func() { close(opened) })
	ep.OnDisconnected(func() { close(disc) })
	ep.OnError(func(err error) { t.Errorf("unexpected error: %v", err) })
	require.NoError(t, ep.Start())

	c := accept(t, conns)
	writeMsg(t, c.ws, brokerMsg{Type: msgOpen})
	<-opened
	require.NoError(t, c.ws.Close())

	select {
	case <-disc:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not called")
	}
}

func TestHeartbeat(t *testing.T) {
	brokerURL, conns := fakeBroker(t)
	ep := newTestEndpoint(t, brokerURL, 20*time.Millisecond)
	require.NoError(t, ep.Start())

	c := accept(t, conns)
	m := readMsg(t, c.ws)
	assert.Equal(t, msgHeartbeat, m.Type)
}

func TestOutboundCallSendsOffer(t *testing.T) {
	brokerURL, conns := fakeBroker(t)
	ep := newTestEndpoint(t, brokerURL, 0)
	c := startOpen(t, ep, conns)

	call, err := ep.Call("u2-xyz", nil)
	require.NoError(t, err)
	assert.Equal(t, "u2-xyz", string(call.Peer()))

	m := readMsg(t, c.ws, msgHeartbeat)
	assert.Equal(t, msgOffer, m.Type)
	assert.Equal(t, "u2-xyz", string(m.Dst))

	var p sdpPayload
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	assert.Equal(t, connTypeMedia, p.Type)
	assert.True(t, strings.HasPrefix(p.ConnectionID, "mc_"))
	assert.Equal(t, webrtc.SDPTypeOffer, p.SDP.Type)
	assert.Contains(t, p.SDP.SDP, "m=audio")

	call.Close()
	call.Close()
	assert.Nil(t, ep.call(p.ConnectionID))
}

func TestInboundOfferAndLeave(t *testing.T) {
	brokerURL, conns := fakeBroker(t)
	ep := newTestEndpoint(t, brokerURL, 0)

	calls := make(chan core.MediaCall, 1)
	ep.OnCall(func(c core.MediaCall) { calls <- c })
	c := startOpen(t, ep, conns)

	writeMsg(t, c.ws, brokerMsg{
		Type:    msgOffer,
		Src:     "u2-xyz",
		Dst:     "u1-abc",
		Payload: mustJSON(sdpPayload{SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, Type: connTypeMedia, ConnectionID: "mc_1"}),
	})
	var call core.MediaCall
	select {
	case call = <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("OnCall not called")
	}
	assert.Equal(t, "u2-xyz", string(call.Peer()))

	writeMsg(t, c.ws, brokerMsg{Type: msgLeave, Src: "u2-xyz"})

	var (
		mu     sync.Mutex
		closed []error
	)
	require.Eventually(t, func() bool { return ep.call("mc_1") == nil }, 2*time.Second, 5*time.Millisecond)
	call.OnClose(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		closed = append(closed, err)
	})
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closed, 1)
	assert.Contains(t, closed[0].Error(), msgLeave)
}

func TestDataConnectionOfferIgnored(t *testing.T) {
	brokerURL, conns := fakeBroker(t)
	ep := newTestEndpoint(t, brokerURL, 0)

	called := make(chan struct{}, 1)
	ep.OnCall(func(core.MediaCall) { called <- struct{}{} })
	require.NoError(t, ep.Start())
	c := accept(t, conns)

	writeMsg(t, c.ws, brokerMsg{
		Type:    msgOffer,
		Src:     "u2-xyz",
		Payload: mustJSON(sdpPayload{Type: "data", ConnectionID: "dc_1"}),
	})
	select {
	case <-called:
		t.Fatal("data connection must not reach OnCall")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	brokerURL, conns := fakeBroker(t)
	ep := newTestEndpoint(t, brokerURL, 0)
	disc := make(chan struct{}, 1)
	ep.OnDisconnected(func() { disc <- struct{}{} })
	startOpen(t, ep, conns)

	ep.Destroy()
	ep.Destroy()
	_, err := ep.Call("u2", nil)
	assert.ErrorIs(t, err, ErrDestroyed)

	select {
	case <-disc:
		t.Fatal("destroy must not report a disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}
