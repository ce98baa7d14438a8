package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeServer upgrades one connection at a time and exposes it to the test.
func fakeServer(t *testing.T, conns chan<- *websocket.Conn) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u1", r.URL.Query().Get("userId"))
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, url string) (*Client, context.CancelFunc) {
	t.Helper()
	c := NewClient(Options{URL: url, UserID: "u1", ReconnectDelay: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(cancel)
	return c, cancel
}

func TestEmitBeforeConnect(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1", UserID: "u1"})
	err := c.Emit(core.EvLeaveRandomQueue, struct{}{})
	assert.ErrorIs(t, err, core.ErrNotConnected)
	assert.False(t, c.Connected())
}

func TestEmitWritesEnvelope(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	_, url := fakeServer(t, conns)
	c, _ := startClient(t, url)

	ws := <-conns
	defer ws.Close()
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Emit(core.EvRatePartner, core.RatePartnerPayload{PartnerID: "u2", Rating: 5}))

	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, core.EvRatePartner, env.Event)
	var p core.RatePartnerPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, 5, p.Rating)
	assert.EqualValues(t, "u2", p.PartnerID)
}

func TestInboundDispatch(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	_, url := fakeServer(t, conns)
	c, _ := startClient(t, url)

	got := make(chan core.MatchFoundPayload, 1)
	c.On(core.EvMatchFound, func(data json.RawMessage) {
		var p core.MatchFoundPayload
		if err := json.Unmarshal(data, &p); err == nil {
			got <- p
		}
	})

	ws := <-conns
	defer ws.Close()
	require.NoError(t, ws.WriteJSON(map[string]any{
		"event": core.EvMatchFound,
		"data":  map[string]string{"partnerId": "u2", "partnerLevel": "N5"},
	}))

	select {
	case p := <-got:
		assert.EqualValues(t, "u2", p.PartnerID)
		assert.Equal(t, "N5", p.PartnerLevel)
	case <-time.After(time.Second):
		t.Fatal("matchFound not dispatched")
	}
}

func TestStatusAndReconnect(t *testing.T) {
	conns := make(chan *websocket.Conn, 2)
	_, url := fakeServer(t, conns)

	var ups, downs atomic.Int32
	c := NewClient(Options{URL: url, UserID: "u1", ReconnectDelay: 20 * time.Millisecond})
	c.OnStatus(func(up bool) {
		if up {
			ups.Add(1)
		} else {
			downs.Add(1)
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	first := <-conns
	require.Eventually(t, func() bool { return ups.Load() == 1 }, time.Second, 5*time.Millisecond)
	first.Close()

	require.Eventually(t, func() bool { return downs.Load() == 1 }, time.Second, 5*time.Millisecond)
	second := <-conns
	defer second.Close()
	require.Eventually(t, func() bool { return ups.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Connected())
}
