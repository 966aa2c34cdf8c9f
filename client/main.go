package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/backend"
	"github.com/mahaj/tenant-realtime/pkg/config"
	"github.com/mahaj/tenant-realtime/pkg/logging"
	"github.com/mahaj/tenant-realtime/pkg/realtime"
	"github.com/mahaj/tenant-realtime/pkg/session"
)

// Flag variables.
var (
	configPath, userID, displayName, apiAddr, gatewayAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tenant-chat",
	Short: "Terminal client for tenant conversations and notifications.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Client YAML config. Flags override its values.")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "User id to log in as.")
	rootCmd.PersistentFlags().StringVar(&displayName, "name", "", "Display name shown to others.")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "Api service address.")
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "addr", "", "Gateway service address.")
	rootCmd.AddCommand(chatCmd, inboxCmd)
}

// connection is a logged in api client plus its live feed.
type connection struct {
	api  *backend.Client
	feed *realtime.Client
	log  io.Closer
}

func (c *connection) Close() {
	if err := c.feed.Close(); err != nil {
		jww.WARN.Printf("Failed to close feed: %v", err)
	}
	c.api.Logout()
	c.log.Close()
}

// connect loads the client config, logs in and dials the gateway.
func connect(ctx context.Context) (*connection, *config.Client, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return nil, nil, err
	}
	if userID != "" {
		cfg.User = userID
	}
	if displayName != "" {
		cfg.DisplayName = displayName
	}
	if apiAddr != "" {
		cfg.APIAddr = apiAddr
	}
	if gatewayAddr != "" {
		cfg.GatewayAddr = gatewayAddr
	}
	if cfg.User == "" {
		return nil, nil, errors.New("a user is required: pass --user or set user in the config")
	}

	logFile, err := logging.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}

	api := backend.New(cfg.APIAddr)
	jww.INFO.Printf("Logging in as %s...", cfg.User)
	if err := api.Login(ctx, cfg.User, cfg.DisplayName); err != nil {
		logFile.Close()
		return nil, nil, err
	}
	feed, err := realtime.Dial(ctx, cfg.GatewayAddr, api.Token())
	if err != nil {
		logFile.Close()
		return nil, nil, err
	}
	return &connection{api: api, feed: feed, log: logFile}, cfg, nil
}

func (c *connection) session(ctx context.Context, name string, onUpdate session.Listener) (*session.Session, error) {
	return session.New(ctx, session.Config{
		Auth:        c.api,
		Persistence: c.api,
		Uploader:    c.api,
		Source:      c.feed,
		DisplayName: name,
		OnUpdate:    onUpdate,
	})
}
