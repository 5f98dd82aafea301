// Package prune cleans the local mirror after a sync.
//
// Prune removes directories left empty by a sync, working bottom-up from a
// directory and then upward through its ancestors. RemoveStale deletes
// files that no longer exist remotely. Both are confined to the output root
// and never remove the root itself.
package prune
