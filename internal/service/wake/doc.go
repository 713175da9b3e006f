// Package wake produces the requests that start update cycles.
//
// Producers (timer, SIGHUP listener, params watcher) never run cycles
// themselves. They only send into a one-slot channel, so requests that arrive
// while a wake is pending collapse into it.
package wake
