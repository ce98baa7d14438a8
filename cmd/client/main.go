package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/PeerCall/internal/adapters/capture"
	router "github.com/dkeye/PeerCall/internal/adapters/http"
	peeradapter "github.com/dkeye/PeerCall/internal/adapters/peer"
	sigadapter "github.com/dkeye/PeerCall/internal/adapters/signal"
	"github.com/dkeye/PeerCall/internal/app/call"
	"github.com/dkeye/PeerCall/internal/app/queue"
	"github.com/dkeye/PeerCall/internal/config"
	"github.com/dkeye/PeerCall/internal/core"
	"github.com/dkeye/PeerCall/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("client stopped")
	}
	log.Info().Msg("client exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	user, err := domain.NewUser(domain.UserID(cfg.User.ID), cfg.User.Name)
	if err != nil {
		return fmt.Errorf("user: %w", err)
	}

	sig := sigadapter.NewClient(sigadapter.Options{
		URL:            cfg.Signal.URL,
		UserID:         user.ID,
		ReadLimit:      cfg.Signal.ReadLimit,
		PingPeriod:     cfg.Signal.PingPeriod,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		ReconnectDelay: cfg.Signal.ReconnectDelay,
	})
	q := queue.NewManager(sig, cfg.Queue.RejoinAckTimeout)

	capturer, err := capture.New(capture.Options{
		AudioBitRate:   cfg.Media.AudioBitRate,
		VideoBitRate:   cfg.Media.VideoBitRate,
		GateThreshold:  cfg.Media.GateThreshold,
		GateHold:       cfg.Media.GateHold,
		HighPassCutoff: cfg.Media.HighPassCutoff,
	})
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	peers, err := peeradapter.NewFactory(peeradapter.Options{
		BrokerURL:         cfg.Peer.BrokerURL,
		Key:               cfg.Peer.Key,
		ICEServers:        cfg.Peer.ICEServers,
		HeartbeatInterval: cfg.Peer.HeartbeatInterval,
		WriteTimeout:      cfg.Signal.WriteTimeout,
	}, capturer.RegisterCodecs)
	if err != nil {
		return fmt.Errorf("peer: %w", err)
	}

	machine := call.NewMachine(call.Options{
		User:    user.ID,
		Filters: domain.QueueFilters{Level: cfg.User.Level, Language: cfg.User.Language},
		Constraints: core.CaptureConstraints{
			EchoCancellation: cfg.Media.EchoCancellation,
			NoiseSuppression: cfg.Media.NoiseSuppression,
			SampleRate:       cfg.Media.SampleRate,
			ChannelCount:     cfg.Media.ChannelCount,
			MaxWidth:         cfg.Media.MaxWidth,
			MaxHeight:        cfg.Media.MaxHeight,
			FrameRate:        cfg.Media.FrameRate,
			Enhance:          cfg.Media.Enhance,
		},
		PeerOpenTimeout: cfg.Peer.OpenTimeout,
		ReadyTimeout:    cfg.Call.ReadyTimeout,
		SettleDelay:     cfg.Call.SettleDelay,
	}, sig, q, capturer, peers)

	hub := router.NewEventHub(ctx, func() any { return machine.Snapshot() })
	machine.OnChange(func(s call.Snapshot) { hub.Publish("state", s) })
	machine.OnNotice(func(n domain.Notice) { hub.Publish("notice", n) })

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(cfg, machine, hub),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sig.Run(ctx) })
	g.Go(func() error { return machine.Run(ctx) })
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("user", string(user.ID)).Msg("PeerCall client started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}
