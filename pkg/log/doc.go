/*
Package log provides structured logging for the broker using zerolog.

It wraps zerolog with a global logger, a small set of levels, and a
component-scoped child logger constructor. Request-scoped fields (chat_id,
worker_name, tenant_id) are added inline at the call site.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	poolLog := log.WithComponent("pool")
	poolLog.Info().Str("worker_name", w.Name).Msg("worker ready")

	reqLog := poolLog.With().Str("chat_id", req.ChatID).Logger()
	reqLog.Error().Err(err).Msg("execute failed")

Never log secrets, environment variable values, or file contents; only
identifiers (chat_id, tenant_id, worker_name, content hash) belong in fields.
*/
package log
