// Package state persists what a run needs to resume: one checkpoint per
// listing stream and the start time of the last successful run.
//
// # Files
//
//	{dir}/summaries.checkpoint.json
//	{dir}/activities.checkpoint.json
//	{dir}/last_ran
//
// # Checkpoint Format
//
//	{
//	  "stream": "activities",
//	  "bucket_name": "v3.0-activities-b",
//	  "continuation_token": "097/0000-0002-1825-0097/works/...",
//	  "updated_at": "2025-01-15T10:30:00Z"
//	}
//
// Every file is written to a temporary name and renamed into place.
package state
