package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/microclaw/microclaw/internal/agent"
	"github.com/microclaw/microclaw/internal/channels"
	"github.com/microclaw/microclaw/internal/channels/discord"
	"github.com/microclaw/microclaw/internal/channels/telegram"
	"github.com/microclaw/microclaw/internal/channels/whatsapp"
	"github.com/microclaw/microclaw/internal/config"
	"github.com/microclaw/microclaw/internal/email"
	"github.com/microclaw/microclaw/internal/ipc"
	"github.com/microclaw/microclaw/internal/queue"
	"github.com/microclaw/microclaw/internal/router"
	"github.com/microclaw/microclaw/internal/scheduler"
	"github.com/microclaw/microclaw/internal/store"
	"github.com/microclaw/microclaw/internal/tracing"
)

// shutdownGrace bounds how long in-flight agent executions get to drain.
const shutdownGrace = 10 * time.Second

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	agent.CleanupOrphans(cfg.Container.Runtime)

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		slog.Error("failed to open store", "path", cfg.StorePath(), "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("store ready", "path", cfg.StorePath())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	chs := buildChannels(cfg, st)
	if len(chs) == 0 {
		slog.Error("no channels enabled; set a telegram/discord token or whatsapp bridge url")
		os.Exit(1)
	}

	q := queue.New(cfg.IdleTimeout, cfg.RetryDelay)
	runner := agent.NewRunner(cfg)
	rt := router.New(cfg, st, q, runner, chs)
	if err := rt.LoadState(); err != nil {
		slog.Error("failed to load router state", "error", err)
		os.Exit(1)
	}

	for _, ch := range chs {
		if err := ch.Connect(ctx); err != nil {
			slog.Error("channel failed to connect", "channel", ch.Name(), "error", err)
		}
	}

	rt.RecoverPending()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return ipc.New(cfg.IPCDir(), cfg.MainGroupFolder, rt).Start(gctx)
	})
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(st, rt, cfg.Scheduler.PollInterval)
		g.Go(func() error {
			sched.Start(gctx)
			return nil
		})
	}
	if cfg.Channels.Email.Enabled {
		client, err := email.NewClient(ctx, cfg.Channels.Email.CredentialsFile, cfg.Channels.Email.TokenFile)
		if err != nil {
			slog.Error("failed to init email channel", "error", err)
		} else {
			poller := email.NewPoller(client, st, cfg.Channels.Email, cfg.GroupsDir(), rt.RunEmailAgent)
			g.Go(func() error {
				poller.Start(gctx)
				return nil
			})
		}
	}

	slog.Info("microclaw running",
		"assistant", cfg.AssistantName, "channels", len(chs), "data_dir", cfg.DataDir)

	<-ctx.Done()
	slog.Info("shutdown signal received")

	q.Shutdown(shutdownGrace)
	for _, ch := range chs {
		if err := ch.Disconnect(); err != nil {
			slog.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
	if err := g.Wait(); err != nil {
		slog.Warn("background loop exited with error", "error", err)
	}
	slog.Info("shutdown complete")
}

// buildChannels constructs every enabled channel with shared store-backed
// callbacks. Channel adapters only append messages and metadata; cursors
// and group state stay with the router.
func buildChannels(cfg *config.Config, st *store.Store) []channels.Channel {
	cb := channels.Callbacks{
		OnMessage: func(msg store.Message) {
			if err := st.StoreMessage(msg); err != nil {
				slog.Error("failed to store message", "id", msg.ID, "error", err)
			}
		},
		OnChatMetadata: func(chat store.Chat) {
			if err := st.StoreChatMetadata(chat); err != nil {
				slog.Error("failed to store chat metadata", "jid", chat.JID, "error", err)
			}
		},
	}

	var chs []channels.Channel
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, cb)
		if err != nil {
			slog.Error("failed to create telegram channel", "error", err)
		} else {
			chs = append(chs, ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, cb)
		if err != nil {
			slog.Error("failed to create whatsapp channel", "error", err)
		} else {
			chs = append(chs, ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, cb)
		if err != nil {
			slog.Error("failed to create discord channel", "error", err)
		} else {
			chs = append(chs, ch)
		}
	}
	return chs
}
