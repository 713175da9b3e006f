// Package revsync brings a staged overlay to the upstream head of the release
// channel, submodules included.
package revsync
