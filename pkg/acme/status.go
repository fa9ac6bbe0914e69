package acme

// Status is the normalized lifecycle state of a server-side resource.
// The wire protocol knows a few more states ("processing", "unknown"); those
// are still-pending from a client's point of view and normalize accordingly.
// The raw wire value remains available via WireStatus on the resource.
type Status string

const (
	// StatusPending is the initial state, before or during a validation attempt.
	StatusPending Status = "pending"
	// StatusValid means the server confirmed the validation succeeded.
	StatusValid Status = "valid"
	// StatusInvalid means the server confirmed the validation failed.
	StatusInvalid Status = "invalid"
)

// normalizeStatus maps a raw wire status onto the three-state model.
func normalizeStatus(wire string) Status {
	switch wire {
	case "valid":
		return StatusValid
	case "invalid":
		return StatusInvalid
	default:
		// "", "pending", "processing", "unknown" and anything the server
		// invents later all mean "keep polling".
		return StatusPending
	}
}

// terminal reports whether s can no longer change.
func (s Status) terminal() bool {
	return s == StatusValid || s == StatusInvalid
}
