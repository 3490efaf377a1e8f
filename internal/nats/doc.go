// Package nats embeds a NATS server in the daemon and carries traffic
// between the daemon and standalone produce processes.
//
// # Roles
//
//   - Server: embedded broker started by `sideband` (the daemon)
//   - StreamClient: used by `sideband produce <id>` to report stats, logs and
//     state, and to receive control commands
//   - Bridge: daemon side, republishes produce traffic on the event bus
//   - ControlPublisher: daemon side, sends color and stop commands
//
// The nats sideband provider uses the same broker for queue traffic under
// sideband.queue.>; see pkg/sideband/natsq.
//
// # Subjects
//
//	sideband.streams.{stream_id}.stats   producer counters   (produce → daemon)
//	sideband.streams.{stream_id}.logs    log records         (produce → daemon)
//	sideband.streams.{stream_id}.state   session state       (produce → daemon)
//	sideband.control.{stream_id}.color   color data          (daemon → produce)
//	sideband.control.{stream_id}.stop    stop request        (daemon → produce)
//
// Messages are JSON over core NATS. Nothing is persisted; a produce process
// keeps running without a broker and simply stops reporting.
//
// # Debugging
//
//	nats sub "sideband.streams.>"
//	nats sub "sideband.queue.>"
//	nats pub sideband.control.cam0.color '{"action":"color","stream_id":"cam0","color":{"hue":0.1}}'
package nats
