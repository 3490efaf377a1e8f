// Package natsq is a sideband provider whose queue traffic crosses process
// boundaries over core NATS. Buffers are memfd regions; their fds travel
// separately (see package uds) while queue messages go through the broker.
//
// # Subjects
//
//	sideband.queue.{pid}.{id}.queued     producer → consumer
//	sideband.queue.{pid}.{id}.eos        producer → consumer
//	sideband.queue.{pid}.{id}.accept     producer → consumer
//	sideband.queue.{pid}.{id}.reject     producer → consumer
//	sideband.queue.{pid}.{id}.released   consumer → producer
//	sideband.queue.{pid}.{id}.attach     consumer → producer
//	sideband.queue.{pid}.{id}.detach     consumer → producer
//
// Payloads are JSON-encoded sideband.Message values:
//
//	{"kind": 1, "index": 2, "consumer": "3f6d1c2e-8a4b-4c71-9e0d-2b5a7f9c1e48"}
//
// Each consumer stamps its token on what it sends. The producer accepts the
// first consumer to attach and rejects the rest, so a stream has at most one
// consumer.
//
// Watch one stream's traffic with the nats CLI:
//
//	nats sub "sideband.queue.*.3.>"
//
// Importing the package registers the "nats" provider. Its options are "url"
// (default nats.DefaultURL) and "name" (client connection name).
package natsq

// ProviderName is the registry name of the NATS provider.
const ProviderName = "nats"

// SubjectPrefix roots every queue subject.
const SubjectPrefix = "sideband.queue"
