package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/sioree/messaging/internal/config"
	"github.com/sioree/messaging/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "path to config.toml (default: <data dir>/config.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = filepath.Join(config.Default().DataDir, "config.toml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if cfg.AuthSecret == "" {
		fmt.Fprintln(os.Stderr, "error: auth_secret is not configured (set SIOREE_MSG_AUTH_SECRET or auth_secret in config.toml)")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: configPath}),
	)

	app.Run()
}
