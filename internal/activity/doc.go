// Package activity carries the harvester's observability events. Components
// report through the Log interface; a Recorder turns those calls into Events
// and hands them to a non-blocking Hub, which batches them on a background
// goroutine and fans them out to sinks (structured logs, Prometheus, the
// activity_log table).
package activity
