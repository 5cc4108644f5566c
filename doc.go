// Package funksiyachi is the connection layer of the funksiyachi
// function platform: a client bootstraps a secure QUIC connection to the
// function service, then issues CBOR-encoded calls over a single
// bidirectional stream.
//
// ## How it works
//
// [Dial] classifies the target first. Only the literal `localhost:PORT`
// and `127.0.0.1:PORT` spellings select [TrustEmbeddedSelfSigned]: the
// server must present the development certificate compiled in the
// binary, whatever hostname it claims. Every other target uses
// [TrustSystemStore] with the usual hostname verification. There is no
// way to get the hostname bypass on a non-loopback target.
//
// The target is then resolved, `localhost` never touches DNS, and a
// single QUIC connection attempt is made. Failures are reported as one of
// [ErrHandshakeTimeout], [ErrTLSHandshake] or [ErrConnect] so the CLI can
// tell users what to check. There is no retry: that is the caller's job.
//
// Once connected, a bidirectional stream carries length-prefixed frames
// (see `pkg/flow`). Each [Request] has an ID, calls are multiplexed and
// the [Client] routes every [Response] to its caller.
//
// On the other side, [Listen] returns a [Server] which accepts
// connections, gives each stream its own receiver and sender, and runs
// every request in its own goroutine through the [Handler] registered
// for its method.
//
// ## Telemetry
//
// Logs go through `log/slog`, pass your handler with [WithLog].
// Metrics go through [`hashicorp/go-metrics`][dep-gom], see [WithMetricSink].
//
// [dep-gom]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package funksiyachi
