// Package lock provides the cross-process lock that serializes access to the
// staging root.
//
// The lock is an advisory flock(2) on a well-known file plus an owner record in
// the file body. A record naming a process that no longer runs the recorded
// executable is treated as stale and reclaimed.
package lock
