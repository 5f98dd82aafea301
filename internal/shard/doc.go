// Package shard decides where an entity's data lives.
//
// Summaries live in a single bucket and only use a three character checksum
// prefix for fan-out. Activities are split over three partition buckets by
// the last character of the entity id:
//
//	0-3         -> partition A (<base>-a)
//	4-7         -> partition B (<base>-b)
//	8, 9, other -> partition C (<base>-c)
//
// # Key layout
//
//	summaries:  {checksum}/{id}.xml
//	activities: {checksum}/{id}/{subtype}/{filename}
//
// [ParseKey] decomposes a key into an [Object] and rejects keys that do not
// fit the layout, so a remote key can never address a path outside the
// output directory.
package shard
