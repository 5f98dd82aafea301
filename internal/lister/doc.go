// Package lister enumerates remote objects page by page and checkpoints its
// position after every page.
//
// A Stream is an ordered list of buckets (the three activity partitions,
// or the single summaries bucket) listed under one checkpoint. After the
// callback accepts a page, the lister writes {stream, bucket, next token}
// to the state store. A nil token marks the bucket as finished.
//
// # Resuming
//
// With Recovery set, Run reads the stream's checkpoint and:
//
//   - skips buckets ordered before the checkpoint's bucket
//   - continues that bucket from the saved token, or moves on to the next
//     bucket when the token is nil
//   - starts from the beginning when there is no checkpoint or the bucket
//     is not part of the stream
//
// Listing errors are not retried. They are returned as *ListError and the
// checkpoint stays at the last accepted page, so a later run with Recovery
// picks up from there.
package lister
