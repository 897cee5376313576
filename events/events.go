package events

// Payload is the transport form of an event: a type tag plus flat string
// attributes. Subscribers and the audit archive consume events in this shape.
type Payload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Clone returns a deep copy so stored payloads cannot be mutated by callers.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	cloned := &Payload{Type: p.Type}
	if p.Attributes != nil {
		cloned.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			cloned.Attributes[k] = v
		}
	}
	return cloned
}

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
