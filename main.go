package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/brackenhollow/convobridge/bot"
	"github.com/brackenhollow/convobridge/config"
	"github.com/brackenhollow/convobridge/engine"
	"github.com/brackenhollow/convobridge/logstore"
	"github.com/brackenhollow/convobridge/mirror"
	"github.com/brackenhollow/convobridge/provider"
	"github.com/brackenhollow/convobridge/queue"
	"github.com/brackenhollow/convobridge/store"
	"github.com/brackenhollow/convobridge/web"
)

// persona bundles one bot's wired resources so shutdown can unwind them
// in order without walking several parallel slices.
type persona struct {
	id    string
	store *store.Store
	queue *queue.Queue
	bot   *bot.Bot
}

func main() {
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfgPath := config.Resolve()
	if *configPath != "" {
		cfgPath = *configPath
	}

	cfgStore, err := config.NewStore(cfgPath)
	if err != nil {
		// setupLogger not yet called; write to stderr via default slog
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	cfg := cfgStore.Get()

	logsDBPath := filepath.Join(config.ResolveDataDir(cfg.Engine.DatabasePath), "logs.db")
	ls, err := logstore.Open(logsDBPath)
	if err != nil {
		slog.Error("failed to open log store", "error", err)
		os.Exit(1)
	}

	setupLogger(*logLevel, *logFormat, ls)
	slog.Info("config loaded", "path", cfgPath)
	slog.Info("log store opened", "path", logsDBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	personaConfigs := cfg.Personas
	if len(personaConfigs) == 0 {
		personaConfigs = []config.PersonaConfig{{ID: "default", Token: cfg.Bot.Token}}
	}

	var personas []persona
	var webHandles []web.PersonaHandle

	for _, pc := range personaConfigs {
		token := pc.Token
		if token == "" {
			token = cfg.Bot.Token
		}
		if token == "" {
			slog.Error("persona has no token and bot.token is unset", "persona", pc.ID)
			os.Exit(1)
		}

		session, err := bot.NewSession(token)
		if err != nil {
			slog.Error("create session", "persona", pc.ID, "error", err)
			os.Exit(1)
		}
		botID, botUsername, err := bot.ResolveSelf(session)
		if err != nil {
			slog.Error("resolve bot identity", "persona", pc.ID, "error", err)
			os.Exit(1)
		}
		displayName := pc.DisplayNameOverride
		if displayName == "" {
			displayName = botUsername
		}

		dbPath := pc.ResolveDBPath(cfg.Engine.DatabasePath)
		st, err := store.Open(dbPath)
		if err != nil {
			slog.Error("open store", "persona", pc.ID, "path", dbPath, "error", err)
			os.Exit(1)
		}

		mr := mirror.New(st)
		e := engine.New(st, mr, cfg.Engine, botID, displayName)
		q := queue.New(ctx)

		model := pc.Model
		if model == "" {
			model = cfg.Provider.Model
		}
		transport := provider.NewOpenRouterClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, model, cfg.Provider.RequestTimeout())

		b := bot.Attach(session, e, q, transport, cfg.Engine.MaxContextTokens)

		personas = append(personas, persona{id: pc.ID, store: st, queue: q, bot: b})
		webHandles = append(webHandles, web.PersonaHandle{ID: pc.ID, BotDisplayName: displayName, Store: st, Queue: q})

		slog.Info("persona initialized", "persona", pc.ID, "bot_id", botID, "display_name", displayName)
	}

	for _, p := range personas {
		if err := p.bot.Start(); err != nil {
			slog.Error("start bot", "persona", p.id, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("personas started", "count", len(personas))

	webAddr := cfg.Web.Addr
	webServer := web.New(webAddr, webHandles, ls)
	webServer.StartStatusPoller(ctx)
	go func() {
		if err := webServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("web server", "error", err)
		}
	}()
	slog.Info("web server started", "addr", webAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	slog.Info("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = webServer.Shutdown(shutCtx)

	for _, p := range personas {
		// bot.Stop shuts down this persona's queue (canceling in-flight
		// jobs and draining pending ones) before closing the session.
		if err := p.bot.Stop(); err != nil {
			slog.Warn("stop bot", "persona", p.id, "error", err)
		}
		if err := p.store.Close(); err != nil {
			slog.Warn("close store", "persona", p.id, "error", err)
		}
	}
	cancel()
	if err := ls.Close(); err != nil {
		slog.Warn("failed to close log store", "error", err)
	}
	slog.Info("shutdown complete")
}

func setupLogger(level, format string, ls *logstore.Store) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	if ls != nil {
		h = logstore.NewHandler(h, ls)
	}
	slog.SetDefault(slog.New(h))
}
