/*
Package log provides structured logging for the blacklist service, built
on zerolog.

Init configures the global logger once at startup (level, JSON or console
output). Components obtain child loggers with stable fields:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("source", "REGTECH").Msg("run started")

WithSource and WithRunID attach the per-feed and per-run fields used by
collectors and the scheduler so one run can be traced end to end.
*/
package log
