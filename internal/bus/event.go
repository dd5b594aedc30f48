package bus

import "time"

// Event is a domain event published in-process for front-ends and the
// cache mirror. Kind uses dotted namespaces ("message.upserted",
// "call.phase_changed") so subscribers can filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
