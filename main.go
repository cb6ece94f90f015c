// Package main provides the entry point for ovpn-manager.
// ovpn-manager is a terminal OpenVPN connection manager for Linux that keeps
// at most one tunnel running at a time.
//
// Features:
//   - Profiles are the .ovpn files in a single directory
//   - Connecting always terminates stray openvpn processes first
//   - Connection status and history persisted in SQLite
//   - Credentials stored in the system keyring or an encrypted file
//   - Tunnel monitor with automatic reconnection
//   - Interactive menu and NetworkManager integration
//
// Usage:
//
//	ovpn-manager [command] [flags]
//
// Environment:
//
//	The application requires OpenVPN to be installed on the system.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/ovpn-manager/cli"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := cli.Execute(ctx, cli.BuildInfo{
		Version:   appVersion,
		BuildTime: buildTime,
		Commit:    commitSHA,
	})

	stop()
	os.Exit(code)
}
