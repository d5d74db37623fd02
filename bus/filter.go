package bus

// Filter decides whether a deserialized event is delivered to a subscriber.
// Filters run after deserialization and before delivery, and compose with
// And/Or.
type Filter func(TypedEvent) bool

// ByEventType matches events whose envelope carries the given event type.
func ByEventType(eventType string) Filter {
	return func(e TypedEvent) bool { return e.Envelope.EventType == eventType }
}

// ByMetadata matches events whose envelope metadata carries key=value.
func ByMetadata(key, value string) Filter {
	return func(e TypedEvent) bool { return e.Envelope.Metadata[key] == value }
}

// ByPredicate matches events whose deserialized payload satisfies the
// predicate.
func ByPredicate(pred func(any) bool) Filter {
	return func(e TypedEvent) bool { return pred(e.Event) }
}

// And matches events accepted by every filter.
func And(filters ...Filter) Filter {
	return func(e TypedEvent) bool {
		for _, f := range filters {
			if !f(e) {
				return false
			}
		}
		return true
	}
}

// Or matches events accepted by any filter.
func Or(filters ...Filter) Filter {
	return func(e TypedEvent) bool {
		for _, f := range filters {
			if f(e) {
				return true
			}
		}
		return false
	}
}
