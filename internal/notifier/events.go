// internal/notifier/events.go
package notifier

import "orra/pkg/streams"

// EventKind is the closed set of event types the dispatch agent understands.
type EventKind int

const (
	KindExecutionResult EventKind = iota
	KindAuthError
)

func kindForStream(stream string) (EventKind, bool) {
	switch stream {
	case streams.ExecutionResultsStream:
		return KindExecutionResult, true
	case streams.AuthErrorsStream:
		return KindAuthError, true
	}
	return 0, false
}

// NotificationTarget is resolved per event: the user's enabled preference
// when present, else the tenant-level fallback.
type NotificationTarget struct {
	Channel     string
	Destination string
}
