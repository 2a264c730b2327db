package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/voicedesk/scheduler-relay/agent"
	"github.com/voicedesk/scheduler-relay/auth"
	"github.com/voicedesk/scheduler-relay/bridge"
	"github.com/voicedesk/scheduler-relay/calendar"
	"github.com/voicedesk/scheduler-relay/config"
	"github.com/voicedesk/scheduler-relay/dispatch"
	"github.com/voicedesk/scheduler-relay/server"
	"github.com/voicedesk/scheduler-relay/session"
	"github.com/voicedesk/scheduler-relay/types"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	fmt.Println("Voice Scheduler Relay Starting...")

	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using process environment")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	directory, closeDir, err := buildDirectory(ctx, cfg)
	if err != nil {
		fmt.Printf("Error setting up user directory: %v\n", err)
		os.Exit(1)
	}
	defer closeDir()

	resolver := auth.NewResolver(directory)
	registry := session.NewRegistry()
	dispatcher := dispatch.NewDispatcher(calendar.NewHTTPBackend(cfg.CalendarBaseURL))

	linkCfg := agent.Config{
		URL:         cfg.AgentURL,
		APIKey:      cfg.AgentAPIKey,
		ListenModel: cfg.AgentListenModel,
		ThinkModel:  cfg.AgentThinkModel,
		Voice:       cfg.AgentVoice,
		Prompt:      cfg.AgentPrompt,
		Greeting:    cfg.Greeting,
	}
	dialLink := func(ctx context.Context, uc types.UserContext) (bridge.AgentLink, error) {
		return agent.Dial(ctx, linkCfg, uc)
	}

	relay := server.NewRelayServer(ctx, cfg, registry, resolver, dialLink, dispatcher)
	if err := relay.Serve(ctx); err != nil {
		fmt.Printf("Error running relay server: %v\n", err)
		os.Exit(1)
	}
}

func buildDirectory(ctx context.Context, cfg *config.Config) (auth.Directory, func(), error) {
	if cfg.PostgresDSN != "" {
		pg, err := auth.NewPGDirectory(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}

	lines := make(map[string]types.UserContext, len(cfg.Lines))
	for line, u := range cfg.Lines {
		lines[line] = types.UserContext{
			UserID:        u.UserID,
			TimeZone:      u.TimeZone,
			WorkDayStarts: u.WorkDayStarts,
			WorkDayEnds:   u.WorkDayEnds,
		}
	}
	return auth.NewStaticDirectory(lines), func() {}, nil
}
