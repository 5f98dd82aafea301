// Package config defines configuration structures for the pdsync CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (PDSYNC_ prefix)
//   - YAML configuration file
//
// Flags override the environment, which overrides the file.
//
// # Example
//
//	path: /data/orcid
//	summaries: true
//	activities: true
//	workers: 60
//	manifest: s3://orcid-lambda-file#last_modified.csv.tar
//	checkpoint_mode: dispatch
//	max_object_size: 64MB
//	buckets:
//	  summaries: v3.0-summaries
//	  activities: v3.0-activities
//	  sharded: true
//	log:
//	  level: INFO
//	  file: /var/log/pdsync.log
//	  overflow: drop-newest
package config
