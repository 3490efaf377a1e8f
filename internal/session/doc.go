// Package session runs sideband producer sessions for stored stream
// definitions.
//
// A session owns one producer handle. It serves the handle's descriptor on the
// stream's Unix socket, paints a test pattern into each buffer, queues buffers
// at the stream's frame rate and reclaims the ones the consumer releases.
// Queue activity is reported to Prometheus and the event bus.
//
// The Manager keeps at most one session per stream and one sideband.Factory
// per provider name. Factories are initialized on first use and destroyed by
// Shutdown.
package session
