/*
Package log provides structured logging for mailroom using zerolog.

A single global Logger is configured once by Init. Output goes to stdout,
or to a size-rotated file managed by lumberjack when Config.File is set.
Components derive child loggers:

	logger := log.WithComponent("delivery")
	logger = log.WithRegistrationID(logger, id.String())
	logger.Warn().Err(err).Msg("Delivery attempt failed")

Writer adapts the logger to an io.Writer for libraries that log through
the standard library, such as hashicorp/raft.
*/
package log
