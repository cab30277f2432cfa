package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/api"
	"github.com/fenggwsx/ResiChat/internal/chat"
	"github.com/fenggwsx/ResiChat/internal/client"
	"github.com/fenggwsx/ResiChat/internal/config"
	"github.com/fenggwsx/ResiChat/internal/logging"
	"github.com/fenggwsx/ResiChat/internal/transport"
)

func main() {
	cfg := config.LoadClientConfig()

	// The terminal belongs to the UI, so logs always go to a file.
	if cfg.Log.File == "" {
		cfg.Log.File = "resichat-client.log"
	}
	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	dialer := transport.NetDialer{
		Timeout: cfg.DialTimeout,
		Options: transport.Options{MaxFrameBytes: cfg.MaxFrameBytes},
	}
	manager := chat.NewManager(dialer, transport.Endpoint{URL: cfg.WSURL},
		chat.WithLogger(logger.Named("chat")),
		chat.WithSendQueueSize(cfg.SendQueueSize),
	)
	apiClient := api.New(cfg.APIURL, cfg.RequestTimeout)

	model := client.NewApp(cfg, apiClient, manager, logger.Named("ui"))
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		logger.Error("client exited", zap.Error(err))
		fmt.Fprintf(os.Stderr, "client exited: %v\n", err)
		os.Exit(1)
	}
	manager.Disconnect()
}
