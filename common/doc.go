// Package common provides shared constants, types, utilities, and interfaces
// used throughout OpenVPN Manager.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Application-wide constants like timeouts, file names, and process names
//   - Errors: Sentinel errors for consistent error handling across packages
//   - Interfaces: Abstractions for credential storage, notifications, and logging
//   - Logger: Levelled logging with component tags and a rotating log file
//   - Utils: Common helpers for paths and profile file names
//
// # Usage
//
//	log := common.GetLogger().With("tracker")
//	log.Info("Tunnel running with config %s", path)
//
//	if errors.Is(err, common.ErrProfileNotFound) {
//	    // Handle missing profile
//	}
package common
