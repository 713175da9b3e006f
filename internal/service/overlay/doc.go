// Package overlay stages a copy of the running tree under the staging root.
//
// Layout:
//
//	<root>/merged                       working copy that receives fetched revisions
//	<root>/metadata/overlay_init        marker, written last and removed first
//	<root>/finalized                    promoted copy of merged
//	<root>/finalized/.overlay_consistent written once promotion completes
//
// An overlay without a marker, or with a marker built from a different base
// tree, is rebuilt from scratch by the next Ensure.
package overlay
