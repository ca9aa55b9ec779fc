// fishagent - Automated seller replies for goofish marketplace chats
// License: MIT
//
// Copyright (c) 2026 fishagent contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dotsetgreg/fishagent/pkg/agent"
	"github.com/dotsetgreg/fishagent/pkg/bus"
	"github.com/dotsetgreg/fishagent/pkg/channels"
	"github.com/dotsetgreg/fishagent/pkg/config"
	"github.com/dotsetgreg/fishagent/pkg/conversation"
	"github.com/dotsetgreg/fishagent/pkg/events"
	"github.com/dotsetgreg/fishagent/pkg/goofish"
	"github.com/dotsetgreg/fishagent/pkg/health"
	"github.com/dotsetgreg/fishagent/pkg/logger"
	"github.com/dotsetgreg/fishagent/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const (
	appName         = "fishagent"
	shutdownTimeout = 10 * time.Second
)

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("FISHAGENT_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fishagent", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func validateRuntimeConfig(cfg *config.Config, creds config.Credentials) error {
	if strings.TrimSpace(cfg.Providers.Reply.APIKey) == "" {
		return fmt.Errorf("providers.reply.api_key is required in %s or FISHAGENT_PROVIDERS_REPLY_API_KEY", getConfigPath())
	}
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("%w; run `%s cookies` to paste fresh cookies into %s", err, appName, cfg.CredentialPath())
	}
	return nil
}

// visionConfig falls back to the reply model's key when the vision model
// has none of its own.
func visionConfig(cfg *config.Config) config.ModelConfig {
	vision := cfg.Providers.Vision
	if strings.TrimSpace(vision.APIKey) == "" {
		vision.APIKey = cfg.Providers.Reply.APIKey
	}
	if strings.TrimSpace(vision.APIBase) == "" {
		vision.APIBase = cfg.Providers.Reply.APIBase
	}
	return vision
}

func runGateway(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	creds, err := config.LoadCredentials(cfg.CredentialPath())
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if err := validateRuntimeConfig(cfg, creds); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	store, err := conversation.Open(cfg.Store.Driver, cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()

	replies, err := providers.NewReplyBot(cfg.Providers.Reply)
	if err != nil {
		return fmt.Errorf("create reply provider: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The bus only exists when something drains it.
	var msgBus *bus.MessageBus
	if url := strings.TrimSpace(cfg.Events.NATSURL); url != "" {
		msgBus = bus.NewMessageBus()
		sink, err := events.Connect(url, cfg.Events.Subject, msgBus)
		if err != nil {
			logger.WarnCF("events", "Event feed disabled", map[string]any{"error": err.Error()})
			msgBus = nil
		} else {
			go sink.Run(ctx)
			defer sink.Close()
			defer msgBus.Close()
			fmt.Printf("✓ Publishing turns to %s and %s\n", sink.Subject(bus.DirectionInbound), sink.Subject(bus.DirectionOutbound))
		}
	}

	api := goofish.NewAPIClient(cfg.Goofish.APIBase, creds.CookiesStr, creds.Cookies())
	opts := agent.PipelineOptions{
		Store:      store,
		Replies:    replies,
		Listings:   api,
		Bus:        msgBus,
		StaleAfter: cfg.Goofish.StaleAfter(),
	}
	if vision, err := providers.NewVisionDescriber(visionConfig(cfg)); err != nil {
		logger.WarnCF("providers", "Image description disabled", map[string]any{"error": err.Error()})
	} else {
		opts.Vision = vision
	}
	pipeline, err := agent.NewPipeline(opts)
	if err != nil {
		return err
	}

	channel, err := channels.NewGoofishChannel(channels.GoofishOptions{
		Config:    cfg.Goofish,
		CookieStr: creds.CookiesStr,
		SelfID:    creds.SelfID(),
		Tokens:    api,
		Handler:   pipeline,
	})
	if err != nil {
		return err
	}
	channelManager := channels.NewManager(channel)
	fmt.Printf("✓ Channels enabled: %s\n", strings.Join(channelManager.GetEnabledChannels(), ", "))
	fmt.Printf("✓ Store: %s\n", storeLabel(cfg))

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	var healthServer *health.Server
	if cfg.Gateway.Enabled {
		healthServer = health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port)
		healthServer.SetReadyCheck(channelManager.IsReady)
		healthServer.SetStore(store)
		if msgBus != nil {
			healthServer.SetDropCounters(func() map[string]uint64 {
				return map[string]uint64{
					"inbound":  msgBus.DroppedInbound(),
					"outbound": msgBus.DroppedOutbound(),
				}
			})
		}
		go func() {
			if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorCF("health", "Health server error", map[string]any{"error": err.Error()})
			}
		}()
		fmt.Printf("✓ Health endpoints available at http://%s:%d/health and /ready\n", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	fmt.Println("Press Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if healthServer != nil {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.WarnCF("health", "Health server shutdown", map[string]any{"error": err.Error()})
		}
	}
	if err := channelManager.StopAll(shutdownCtx); err != nil {
		logger.WarnCF("channels", "Channel shutdown", map[string]any{"error": err.Error()})
	}
	fmt.Println("✓ Gateway stopped")
	return nil
}

func storeLabel(cfg *config.Config) string {
	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if driver == "" || driver == "memory" {
		return "memory"
	}
	return driver + " (" + cfg.StorePath() + ")"
}

func statusCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	build, _ := formatBuildInfo()
	if build != "" {
		fmt.Printf("Build: %s\n", build)
	}
	fmt.Println()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "defaults")
	}

	credPath := cfg.CredentialPath()
	creds, err := config.LoadCredentials(credPath)
	credErr := err
	if credErr == nil {
		credErr = creds.Validate()
	}
	if credErr == nil {
		fmt.Println("Credentials:", credPath, "✓")
		fmt.Println("Account:", creds.SelfID())
		if missing := config.MissingCookies(creds.Cookies(), config.RequiredCookies); len(missing) > 0 {
			fmt.Println("Optional cookies missing:", strings.Join(missing, ", "))
		}
	} else {
		fmt.Println("Credentials:", credPath, "✗", credErr)
	}

	fmt.Println("Store:", storeLabel(cfg))
	fmt.Printf("Reply model: %s\n", cfg.Providers.Reply.Model)
	fmt.Printf("Vision model: %s\n", cfg.Providers.Vision.Model)

	status := func(enabled bool) string {
		if enabled {
			return "✓"
		}
		return "not set"
	}
	apiReady := strings.TrimSpace(cfg.Providers.Reply.APIKey) != ""
	fmt.Println("Model API key:", status(apiReady))
	fmt.Println("Event feed:", status(strings.TrimSpace(cfg.Events.NATSURL) != ""))
	fmt.Println("Gateway ready:", status(apiReady && credErr == nil))
}
