// Package common holds the logging setup shared by the repository, the disk
// store and the command line tool.
//
// All packages obtain their logger through Dragonboat's logger facade
// (logger.GetLogger("repo"), logger.GetLogger("disk"), ...). InitLoggers installs
// a factory that formats every line as
//
//	2026/01/02 15:04:05 INFO  | repo            | unit small_1 opened
//
// and optionally writes to a size-rotated log file instead of stdout.
package common
