// Package logging provides the process logger and the aggregator that
// serializes its output.
//
// Every component logs through a shared *logrus.Logger. logrus formats an
// entry completely (message interpolated, error fields rendered) before it
// calls Write, so only finished text is handed to the Aggregator. The
// Aggregator queues records and a single goroutine writes them to the log
// file, one at a time, so lines from concurrent workers never interleave.
//
// # Overflow
//
// When the queue is full the configured policy applies:
//
//	block        producers wait for the consumer
//	drop-newest  the record being written is discarded (default)
//	drop-oldest  the oldest queued record is discarded
//
// Dropped records are counted and reported on Close.
//
// # Usage
//
//	log, agg, err := logging.New(afero.NewOsFs(), logging.Options{
//	    File:  "/var/log/pdsync.log",
//	    Level: "INFO",
//	})
//	if err != nil {
//	    return err
//	}
//	defer agg.Close()
package logging
