// Package vpn provides tunnel connection management for ovpn-manager.
//
// This package implements the core functionality:
//
//   - Profiles: discovering .ovpn files, display names and persisted status
//   - Tunnels: spawning openvpn with escalation and killing every instance
//   - Reconciliation: comparing believed status with the process table
//   - Health: probing connectivity and reconnecting lost tunnels
//
// # Architecture
//
// The package is organized around a few types:
//
//   - Vpn and VpnStatus: a profile and its connection status
//   - FileRepository: profiles backed by a directory plus a StatusStore
//   - Tracker: the single tunnel process this program owns
//   - Manager: the operations, enforcing at most one tunnel at a time
//   - HealthChecker: the background monitor
//
// # Connection Flow
//
//  1. Manager.Connect kills every running tunnel and waits for the OS to settle
//  2. The profile is marked Connecting and openvpn is spawned
//  3. The profile becomes Connected, or Error if the spawn failed
//  4. Later status queries reconcile against `ps aux` output
//
// # Thread Safety
//
// Manager and Tracker are safe for concurrent use. Vpn values are not;
// each call returns fresh copies from the repository.
package vpn
