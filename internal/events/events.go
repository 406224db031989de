// Package events fans recording status transitions out to stream
// subscribers and an optional MQTT broker.
package events

import "github.com/snarg/scribe-engine/internal/transcribe"

// Sink receives status events.
type Sink interface {
	Publish(transcribe.StatusEvent)
}

// Fanout returns a publish func that delivers to every non-nil sink in order.
func Fanout(sinks ...Sink) transcribe.EventPublishFunc {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return func(ev transcribe.StatusEvent) {
		for _, s := range live {
			s.Publish(ev)
		}
	}
}
