// Package logging provides structured logging for Devicebay Core.
//
// It wraps log/slog so every component logs through the same handler
// with the same default fields. The format, level and destination come
// from the logging section of the config file:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Components derive their own loggers rather than sharing the root one:
//
//	log := logger.With("component", "ws")
//	log.Info("session opened", "session_id", sess.ID)
//
// Never log device keys, JWT secrets, tokens or passwords. When an
// identifier must appear in a log line, truncate it:
//
//	log.Info("token used", "token_prefix", tok[:8]+"...")
package logging
