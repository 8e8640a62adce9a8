// Package cli provides the dailycrypt command-line tool.
//
// Subcommands:
//   - rotate: run one rotation attempt (for cron or a deploy hook)
//   - cleanup: remove backup snapshots older than the retention
//   - status: show metadata, lock state, snapshots and journal entries
//   - show: print a data file decrypted through the ordinary read path
//   - version: print build data
//
// Configuration flags (see internal/config) may appear anywhere on the
// command line; they are not parsed by cobra.
package cli
