package eventstore

import "fmt"

// maxUpcastDepth bounds the upcaster chain so a misregistered upcaster that
// fails to advance the version cannot loop forever.
const maxUpcastDepth = 8

// Upcaster rewrites a payload from one schema version to the next. The
// returned payload must parse as fromVersion+1.
type Upcaster func(payload []byte) ([]byte, error)

type upcastKey struct {
	eventType   string
	fromVersion int
}

// UpcasterChain holds per-(type, version) upcast functions and applies them
// transitively on read.
type UpcasterChain struct {
	upcasters map[upcastKey]Upcaster
}

func NewUpcasterChain() *UpcasterChain {
	return &UpcasterChain{upcasters: map[upcastKey]Upcaster{}}
}

// Register adds an upcaster lifting eventType payloads from fromVersion to
// fromVersion+1. Registering the same step twice overwrites the previous one.
func (c *UpcasterChain) Register(eventType string, fromVersion int, fn Upcaster) {
	c.upcasters[upcastKey{eventType, fromVersion}] = fn
}

// Apply runs all registered steps for the event type starting at version,
// returning the lifted payload and final version. Payloads with no
// registered step are returned unchanged.
func (c *UpcasterChain) Apply(eventType string, version int, payload []byte) ([]byte, int, error) {
	for depth := 0; ; depth++ {
		fn, ok := c.upcasters[upcastKey{eventType, version}]
		if !ok {
			return payload, version, nil
		}
		if depth >= maxUpcastDepth {
			return nil, 0, fmt.Errorf("upcast %s: chain exceeds %d steps from version %d", eventType, maxUpcastDepth, version)
		}
		next, err := fn(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("upcast %s v%d: %w", eventType, version, err)
		}
		payload = next
		version++
	}
}
