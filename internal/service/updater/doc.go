// Package updater runs the staged-update daemon.
//
// Machine performs one update cycle: it checks the offroad gate, takes the
// staging lock, makes sure the overlay is fresh, synchronizes it with the
// release channel, promotes a new revision and reports the outcome to the
// status store. Daemon feeds Machine from the wake source on a single worker
// goroutine and serves the optional health and metrics endpoints.
package updater
