// Package common provides shared constants, types, and utilities
// used across the OpenVPN Manager application.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "OpenVPN Manager"
	// BinaryName is the name of the installed executable.
	BinaryName = "ovpn-manager"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "ovpn-manager"
	// ProfilesDirName is the legacy directory under $HOME holding .ovpn profiles.
	ProfilesDirName = ".connectvpn.conf"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	MetadataFileName    = "profiles.yaml"
	StateDBFileName     = "state.db"
	CredentialsFileName = ".credentials"
	LogFileName         = "ovpn-manager.log"
)

// Profile file handling.
const (
	// ProfileExtension is the recognised connection-file extension.
	ProfileExtension = ".ovpn"
	// UnknownDisplayName is used when no metadata names a profile.
	UnknownDisplayName = "Unknown"
)

// Tunnel process names and arguments.
const (
	// OpenVPNBinary is the tunnel binary matched in the process table.
	OpenVPNBinary = "openvpn"
	// ConfigFlag precedes the connection-file path on the tunnel command line.
	ConfigFlag = "--config"
)

// Default timeouts and intervals.
const (
	// SettleDelay is how long to wait after killing tunnels before spawning a new one.
	SettleDelay = 500 * time.Millisecond
	// KillPollInterval is the delay between process-table polls during a force kill.
	KillPollInterval = 250 * time.Millisecond
	// KillPollAttempts is how many polls follow each kill strategy.
	KillPollAttempts = 4
	// MonitorInterval is how often the tunnel monitor reconciles.
	MonitorInterval = 30 * time.Second
	// ReconnectDelay is the delay before attempting to reconnect.
	ReconnectDelay = 5 * time.Second
	// CommandTimeout bounds short-lived queries such as ps and nmcli.
	CommandTimeout = 10 * time.Second
	// HistoryRetention is how long connection events are kept.
	HistoryRetention = 30 * 24 * time.Hour
)
