// Package metrics exposes qbouncer's Prometheus metrics: the currently
// leased port, the consecutive-failure counter, killswitch status, and
// per-tick counters and latencies. Nothing is started by importing this
// package; cmd/qbouncer wires Handler() onto an HTTP listener only when
// service.metrics_addr is configured.
package metrics
