package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pasky/muaddib/internal/artifacts"
	"github.com/pasky/muaddib/internal/chronicle"
	"github.com/pasky/muaddib/internal/config"
	"github.com/pasky/muaddib/internal/history"
	"github.com/pasky/muaddib/internal/logging"
	"github.com/pasky/muaddib/internal/providers"
	"github.com/pasky/muaddib/internal/rooms"
	"github.com/pasky/muaddib/internal/sandbox"
)

// runMessage handles one message end to end: load config, open the
// stores, build the room handler and dispatch the message as a direct
// command. The reply goes to stdout.
func runMessage(args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	logger, err := logging.Setup(cfg.Home, verbose || cfg.Verbose)
	if err != nil {
		return err
	}

	room, err := cfg.RoomConfig(roomName)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return fmt.Errorf("create home %s: %w", cfg.Home, err)
	}

	hist, err := history.Open(filepath.Join(cfg.Home, "history.db"))
	if err != nil {
		return err
	}
	defer hist.Close()

	chron, err := chronicle.Open(filepath.Join(cfg.Home, "chronicle.db"))
	if err != nil {
		return err
	}
	defer chron.Close()

	artifactDir := cfg.Tools.Artifacts.Path
	if artifactDir == "" {
		artifactDir = filepath.Join(cfg.Home, "artifacts")
	}
	artifactURL := cfg.Tools.Artifacts.URL
	if artifactURL == "" {
		artifactURL = "file://" + artifactDir
	}
	store, err := artifacts.NewStore(artifactDir, artifactURL)
	if err != nil {
		return err
	}

	sb, err := sandbox.NewManager(filepath.Join(cfg.Home, "sandbox"))
	if err != nil {
		return err
	}

	registry := providers.NewRegistry(cfg.Providers)

	handler, err := rooms.NewHandler(rooms.HandlerConfig{
		RoomName:             roomName,
		Room:                 room,
		RefusalFallbackModel: cfg.Router.RefusalFallbackModel,
		SummaryModel:         cfg.Tools.Summary.Model,
		OracleModel:          cfg.Tools.Oracle.Model,
		OraclePrompt:         cfg.Tools.Oracle.Prompt,
		ImageGenModel:        cfg.Tools.ImageGen.Model,
		ContextReducerModel:  cfg.ContextReducer.Model,
		ContextReducerPrompt: cfg.ContextReducer.Prompt,
		JinaAPIKey:           cfg.Tools.Jina.APIKey,
		Home:                 cfg.Home,
	}, rooms.HandlerDeps{
		Models:    registry,
		Images:    registry,
		History:   hist,
		Chronicle: chron,
		Artifacts: store,
		Sandbox:   sb,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nick := os.Getenv("USER")
	if nick == "" {
		nick = "operator"
	}

	msg := &rooms.RoomMessage{
		ServerTag:   "cli",
		ChannelName: roomName,
		Nick:        nick,
		MyNick:      "muaddib",
		Content:     strings.Join(args, " "),
	}

	result, err := handler.HandleIncomingMessage(ctx, msg, rooms.IncomingOptions{
		IsDirect: true,
		SendResponse: func(ctx context.Context, text string) error {
			_, err := fmt.Println(text)
			return err
		},
	})
	if err != nil {
		return err
	}
	if result.Response == "" {
		logger.Info("no reply produced")
	}
	return nil
}
