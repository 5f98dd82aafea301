// Package syncer runs one synchronization of the summaries and activities
// streams to local disk.
//
// Without a manifest every object of every bucket is listed and fetched,
// and the listing position is checkpointed so an interrupted run can be
// resumed with Recovery. With a manifest only the entities modified after
// the cutoff are listed. After an activities entity is fetched, local files
// it no longer has remotely are removed and empty directories pruned.
//
// The streams run concurrently and fail independently. The last-run marker
// is advanced to the run's start time only when both succeed.
package syncer
