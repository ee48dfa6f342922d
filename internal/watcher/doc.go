// Package watcher reloads the dataset when its CSV file changes on disk.
//
// # Overview
//
// The exporter rewrites the CSV a few times a day, usually as a burst of
// writes or as a write to a temporary file followed by a rename. The watcher
// observes the containing directory with fsnotify, collects events for the
// dataset file, and triggers a single reload once things settle.
//
// # Debouncing
//
// Every relevant event resets a timer. The reload runs when the timer fires,
// that is after DebounceDelay without further changes. A failed reload keeps
// the previous data in place; the next change retries.
//
//	w := watcher.New(cfg.Dataset.CSVPath, store,
//	    watcher.WithDebounce(2*time.Second),
//	    watcher.WithBroker(broker))
//	g.Go(func() error { return w.Run(ctx) })
package watcher
