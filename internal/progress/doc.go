// Package progress provides progress reporting for downloads.
//
// The Reporter prints one line per active download to stdout, including
// completion percentage, transfer speed, and ETA. It receives snapshots from
// the engine through Update/Cancel/Completed, so it can be registered as a
// notifier.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{Output: os.Stdout})
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.Update(records)
//
// # Output Format
//
//	[gulp] ubuntu.iso: running 45.2% | 1.1 GiB / 2.5 GiB | Speed: 12.0 MiB/s | ETA: 1m 58s
//	[gulp] notes.txt: success | 2.0 KiB
package progress
