// Package metrics exports daemon activity as Prometheus metrics.
package metrics
