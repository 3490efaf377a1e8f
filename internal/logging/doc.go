// Package logging provides slog loggers with per-module levels that can be
// changed while the daemon runs.
//
// # Usage
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{"provider": "debug"},
//	})
//	logger := logging.GetLogger("sessions").With("stream_id", id)
//	logger.Info("Session started", "handle_id", h.HandleID())
//
// Loggers handed out before Initialize are cached and follow later level
// changes, including SetLevel calls made by the config watcher.
//
// # Outputs
//
// Records go to stdout (text or json) when stdout is attached, to the systemd
// journal when journald is running, and always to an in-memory history served
// by GET /api/logs.
//
//	journalctl -t sideband -f
//	journalctl -t sideband MODULE=provider
//	journalctl -t sideband HANDLE_ID=3 -p warning
//
// # Modules
//
//	main       daemon lifecycle
//	sessions   producer sessions run by the daemon
//	api        HTTP API
//	nats       embedded broker and bridge
//	provider   sideband factory and providers
//	transport  handle exchange sockets
package logging
