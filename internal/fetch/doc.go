// Package fetch copies remote objects to local files with a fixed pool of
// workers.
//
// A Batch is fed one listing page at a time. Each task is independent: a
// failed download is logged, counted as Failed and the batch moves on.
// Objects whose local copy already has the remote size and a modification
// time no older than the remote one are skipped.
//
// Files are written to "<dest>.part" and renamed into place, so a reader
// never sees a partial object under its final name. Cancelling the batch
// context stops Submit; tasks already queued still finish.
package fetch
