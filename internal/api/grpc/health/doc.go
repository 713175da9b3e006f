// Package health serves the standard gRPC health checking protocol for the
// update daemon.
//
// The "updated" service reports SERVING while cycles succeed or are skipped
// and NOT_SERVING after a failed cycle. Client probes a running daemon.
package health
