package main

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/verichat/internal/api"
	"github.com/p-blackswan/verichat/internal/channel"
	"github.com/p-blackswan/verichat/internal/config"
	"github.com/p-blackswan/verichat/internal/conversation"
	"github.com/p-blackswan/verichat/internal/health"
	"github.com/p-blackswan/verichat/internal/metrics"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/page"
	"github.com/p-blackswan/verichat/internal/runtime"
	"github.com/p-blackswan/verichat/internal/session"
	"github.com/p-blackswan/verichat/internal/status"
	"github.com/p-blackswan/verichat/internal/store"
	"github.com/p-blackswan/verichat/internal/tui"
	"github.com/p-blackswan/verichat/internal/typing"
)

func runChat(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	db, err := store.New(cfg.SessionDB, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if n, err := db.Cleanup(ctx); err != nil {
		logger.Warn().Err(err).Msg("expired credential cleanup failed")
	} else if n > 0 {
		logger.Info().Int("removed", n).Msg("expired credentials removed")
	}
	sess := session.New(db, logger)

	// The page checks the credential again on mount; this read only picks
	// which page to show.
	role := models.RoleOperator
	if _, ident, err := sess.Identity(ctx); err == nil {
		role = ident.Self.Role
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("api_url", cfg.APIURL).
		Str("ws_url", cfg.WSURL).
		Str("role", string(role)).
		Msg("starting verichat")

	m := metrics.New()
	loop := runtime.New(runtime.DefaultConfig(), logger)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("event loop stopped")
		}
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	client := api.NewClient(cfg.APIURL, sess, cfg.RequestTimeout, logger)
	ch := channel.New(channel.Config{
		URL:              cfg.WSURL,
		MaxAttempts:      cfg.ReconnectAttempts,
		RetryDelay:       cfg.ReconnectDelay,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, loop, m, logger)

	ctrl := page.NewController(role, page.Config{
		Conversation: conversation.Config{
			PollInterval:     cfg.PollInterval,
			RequestTimeout:   cfg.RequestTimeout,
			MaxMessageLength: cfg.MaxMessageLength,
		},
		Typing: typing.Config{
			Timeout:     cfg.TypingTimeout,
			PeerTimeout: cfg.PeerTypingTimeout,
		},
		RequestTimeout: cfg.RequestTimeout,
	}, loop, page.Deps{
		Session:   sess,
		Channel:   ch,
		Contacts:  client,
		History:   client,
		Persister: client,
		Metrics:   m,
	}, logger)

	// Unmount runs on every exit path, including a failed program start.
	defer func() {
		unmountCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := loop.Do(unmountCtx, ctrl.Unmount); err != nil {
			logger.Error().Err(err).Msg("unmount failed")
		}
	}()

	checker := health.NewChecker(logger)
	checker.Register("channel", func(ctx context.Context) health.Status {
		var s channel.State
		if err := loop.Do(ctx, func() { s = ch.State() }); err != nil {
			return health.StatusDown
		}
		return health.ChannelStatus(s)
	})
	checker.Register("session", func(ctx context.Context) health.Status {
		if _, err := sess.Credential(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	if cfg.StatusEnabled() {
		srv := status.NewServer(cfg.StatusAddr, checker, m, func(ctx context.Context) (status.Snapshot, error) {
			var snap status.Snapshot
			err := loop.Do(ctx, func() { snap = ctrl.StatusSnapshot() })
			return snap, err
		}, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error().Err(err).Msg("status server error")
			}
		}()
		defer func() {
			if err := srv.Shutdown(); err != nil {
				logger.Error().Err(err).Msg("status server shutdown error")
			}
		}()
	}

	program := tea.NewProgram(
		tui.New(tui.NewLoopActions(loop, ctrl), cfg.MaxMessageLength),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	// ViewStates are full snapshots, so only the newest pending one matters.
	// The loop never blocks on the terminal.
	updates := make(chan page.ViewState, 1)
	go func() {
		for v := range updates {
			program.Send(tui.StateMsg(v))
		}
	}()

	if err := loop.Do(ctx, func() {
		ctrl.OnUpdate(func(v page.ViewState) {
			select {
			case <-updates:
			default:
			}
			updates <- v
		})
		ctrl.Mount(ctx)
	}); err != nil {
		return err
	}

	_, err = program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		err = nil
	}
	logger.Info().Msg("verichat stopped")
	return err
}
