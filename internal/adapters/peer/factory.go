package peer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

type Options struct {
	BrokerURL         string
	Key               string
	ICEServers        []string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// Sink receives inbound RTP; nil only drains it.
	Sink Sink
}

func (o Options) webrtcConfig() webrtc.Configuration {
	if len(o.ICEServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: o.ICEServers}},
	}
}

// CodecRegistrar adds codecs to the media engine, normally the capture
// encoders.
type CodecRegistrar func(*webrtc.MediaEngine) error

// Factory builds endpoints sharing one webrtc API.
type Factory struct {
	opts Options
	api  *webrtc.API
}

var _ core.PeerEndpointFactory = (*Factory)(nil)

func NewFactory(opts Options, codecs CodecRegistrar) (*Factory, error) {
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	me := &webrtc.MediaEngine{}
	if codecs != nil {
		if err := codecs(me); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return &Factory{
		opts: opts,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(registry),
		),
	}, nil
}

func (f *Factory) NewEndpoint(id domain.PeerID) (core.PeerEndpoint, error) {
	return newEndpoint(id, f.opts, f.api), nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
