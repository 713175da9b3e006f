// Package update contains the core domain types of the staged-update daemon.
//
// It defines the cycle states, the wake reasons, the per-cycle CycleResult and
// the names of the persisted status keys shared with other on-device processes.
package update
