// Package manifest reads the change manifest and selects the entities that
// changed since the last synchronization.
//
// The manifest is produced elsewhere: a CSV file whose first row is a
// header and whose rows carry at least an entity id and a last-modified
// timestamp, sorted newest first. [Select] relies on that order and stops
// at the first record older than the cutoff instead of reading millions of
// rows that cannot qualify.
//
// # Cutoff
//
// [Cutoff] picks the threshold with this precedence:
//   - an explicit number of days back
//   - the start time of the previous successful run
//   - [DefaultWindow] (30 days)
package manifest
