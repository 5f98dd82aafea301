// Package progress logs throughput while a stream is being synchronized.
//
// Fetch workers report each object outcome; the reporter logs a summary line
// on a fixed interval and a final line when the stream ends.
//
// # Usage
//
//	reporter := progress.NewReporter(Options{
//	    Stream:  "activities",
//	    Workers: 60,
//	    Log:     logger,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.ObjectStarted()
//	reporter.ObjectSucceeded(size)
//
// # Output Format
//
//	level=info msg="Progress: 120440 objects | 1.13 GB | 812.4 objects/s" stream=activities succeeded=120000 ...
//	level=info msg="Finished: 250000 objects | 2.50 GB | total time 5m 8s | 811.7 objects/s" stream=activities ...
package progress
