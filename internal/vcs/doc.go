// Package vcs abstracts the revision-control operations the daemon needs:
// fetch, head and upstream resolution, hard checkout, and nested submodule
// enumeration and synchronization.
//
// GoGit implements the contract with go-git; package vcstest provides an
// in-memory double for tests.
package vcs
