// Package notify delivers terminal task outcomes back to whatever transport
// submitted the work. The dispatch core only depends on the Sink interface;
// the concrete sinks here cover logging, Redis Pub/Sub, and operator email.
package notify

import "log"

// Sink receives terminal task outcomes. contextID identifies the
// originating conversation or session the outcome belongs to.
type Sink interface {
	NotifySuccess(contextID, message string)
	NotifyFailure(contextID, message string)
}

// LogSink writes outcomes to the process log. It is the default sink when
// no transport is configured.
type LogSink struct{}

func (LogSink) NotifySuccess(contextID, message string) {
	log.Printf("notify success [%s]: %s", contextID, message)
}

func (LogSink) NotifyFailure(contextID, message string) {
	log.Printf("notify failure [%s]: %s", contextID, message)
}
