// Package main is the dispatch gateway's entry point: config load,
// component wiring, and supervised background loops. Grounded on
// cmd/thane/main.go's runServe shape (flag parse → config load →
// logger reconfiguration → component construction → signal-driven
// graceful shutdown), restructured around golang.org/x/sync/errgroup
// instead of the teacher's ad hoc goroutine-plus-manual-Shutdown
// wiring — this gateway's long-lived loops (radio receive, AI worker,
// watchdog, and the optional history mirror and web dashboard) are
// equally weighted peers, a better fit for errgroup's "first error
// cancels the group" semantics than the teacher's single dominant
// HTTP server with a side Ollama server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kb9ops/dispatch-gateway/internal/audit"
	"github.com/kb9ops/dispatch-gateway/internal/buildinfo"
	"github.com/kb9ops/dispatch-gateway/internal/config"
	"github.com/kb9ops/dispatch-gateway/internal/dispatch"
	"github.com/kb9ops/dispatch-gateway/internal/events"
	"github.com/kb9ops/dispatch-gateway/internal/history"
	"github.com/kb9ops/dispatch-gateway/internal/llm"
	"github.com/kb9ops/dispatch-gateway/internal/radio"
	"github.com/kb9ops/dispatch-gateway/internal/router"
	"github.com/kb9ops/dispatch-gateway/internal/sendhelper"
	"github.com/kb9ops/dispatch-gateway/internal/session"
	"github.com/kb9ops/dispatch-gateway/internal/watchdog"
	"github.com/kb9ops/dispatch-gateway/internal/web"
	"github.com/kb9ops/dispatch-gateway/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting dispatch gateway", "build", buildinfo.String())

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level, ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}
	logger.Info("config loaded", "path", cfgPath, "device", cfg.Radio.Device, "channel", cfg.Radio.ChannelIndex)

	auditFile, err := os.OpenFile(cfg.AuditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("failed to open audit log", "path", cfg.AuditPath, "error", err)
		os.Exit(1)
	}
	defer auditFile.Close()
	al := audit.New(auditFile)

	bus := events.New()

	// The radio transport and the LLM backend are external
	// collaborators per the specification: only their interfaces
	// (radio.Adapter, llm.Client) belong to this repository. A
	// production deployment substitutes a real Meshtastic driver and a
	// local model server here; this entry point wires the in-memory
	// fakes that ship with the core so the gateway is runnable
	// standalone for bench testing.
	adapter := radio.NewFake(radio.NodeID(cfg.Radio.Device))
	llmClient := &llm.Fake{Default: "Understood. Please describe the situation in a few words."}

	sessions := session.New()
	send := sendhelper.New(adapter, logger, cfg.Queue.ChunkWidth, 0)
	queue := make(chan worker.Item, cfg.Queue.DepthLimit*2)

	responders := make(map[string]radio.NodeID, len(cfg.Responders))
	var responderList []radio.NodeID
	for token, id := range cfg.Responders {
		responders[token] = radio.NodeID(id)
		if id != "" {
			responderList = append(responderList, radio.NodeID(id))
		}
	}

	engine := dispatch.New(sessions, send, adapter, al, bus, logger, responderList, queue)

	routerCfg := router.Config{
		Channel:         cfg.Radio.ChannelIndex,
		StaleWindow:     cfg.Stale.Window,
		QueueDepthLimit: cfg.Queue.DepthLimit,
		RestrictionTTL:  cfg.Restrict.Duration,
		Cooldown:        cfg.Queue.Cooldown,
		WarnThrottle:    cfg.Queue.WarnThrottle,
		Responders:      responders,
	}
	rtr := router.New(routerCfg, sessions, send, adapter, engine, queue, al, bus, logger, adapter.LocalID(), time.Now())

	wd := watchdog.New(watchdog.Config{
		Interval: cfg.Watchdog.Interval, TriageInactivity: cfg.Triage.InactivityTimeout,
		Menu911Timeout: cfg.Menu911.Timeout, Channel: cfg.Radio.ChannelIndex, Responders: responderList,
	}, sessions, send, adapter, al, bus, logger)

	wk := worker.New(queue, sessions, send, llmClient, al, bus, logger, cfg.LLM.Model, cfg.LLM.MaxTokens, cfg.LLM.RequestTimeout)

	var historyStore *history.Store
	var mirror *history.Mirror
	if cfg.Web.Enabled {
		historyStore, err = history.Open("./dispatch-history.db")
		if err != nil {
			logger.Error("failed to open history database", "error", err)
			os.Exit(1)
		}
		defer historyStore.Close()
		mirror = history.NewMirror(historyStore, bus, logger)
	}

	var webServer *web.Server
	if cfg.Web.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Web.Address, cfg.Web.Port)
		webServer = web.New(addr, sessions, adapter, func() int { return len(queue) }, len(responderList), bus, historyStore, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wk.Run(gctx) })
	g.Go(func() error { return wd.Run(gctx) })
	g.Go(func() error { return runReceiveLoop(gctx, adapter, rtr, logger) })
	if mirror != nil {
		g.Go(func() error { return mirror.Run(gctx) })
	}
	if webServer != nil {
		g.Go(func() error { return webServer.Start(gctx) })
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("gateway stopped with error", "error", err)
	}

	closed := sessions.CloseAll(session.ReasonShutdown)
	for _, t := range closed {
		if err := al.Log(audit.TypeSystem, map[string]any{"event": "session_closed_shutdown", "sender": string(t.Sender), "incident": t.IncidentNumber}); err != nil {
			logger.Warn("audit write failed", "error", err)
		}
	}
	if err := al.Log(audit.TypeSystem, map[string]any{"event": "shutdown"}); err != nil {
		logger.Warn("audit write failed", "error", err)
	}

	logger.Info("dispatch gateway stopped")
}

// runReceiveLoop drains the radio adapter's inbound channel and hands
// each packet to the router, the way cmd/thane's SignalBridge.Start
// drives its poll loop into the agent. Mirrors wk.Run/wd.Run's own
// convention: ctx.Err() on cancellation, nil when the adapter closes
// its receive channel (transport shutdown).
func runReceiveLoop(ctx context.Context, adapter radio.Adapter, rtr *router.Router, logger *slog.Logger) error {
	logger.Info("radio receive loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-adapter.Receive():
			if !ok {
				logger.Info("radio receive channel closed")
				return nil
			}
			rtr.Handle(ctx, pkt)
		}
	}
}
