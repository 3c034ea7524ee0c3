// Package cmd implements the orepo command-line interface for the persistent
// object repository. It provides commands to inspect and maintain units on
// disk and to benchmark a repository.
//
// The package is organized into several subpackages:
//
//   - unit: Commands working on units (inspect, verify, compact, remove)
//   - perf: Performance testing of a repository in a data directory
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See orepo -help for a list of all commands.
package cmd
