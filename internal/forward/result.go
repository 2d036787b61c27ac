// Package forward turns broker messages into HTTP deliveries.
package forward

// Outcome classifies how a forward ended.
type Outcome int

const (
	// Delivered means the endpoint answered 2xx.
	Delivered Outcome = iota
	// Rejected means the endpoint answered with any other status.
	Rejected
	// Unreachable means no response arrived: refused, reset, DNS or timeout.
	Unreachable
	// Malformed means the payload was not UTF-8 JSON; nothing was sent.
	Malformed
	// Internal covers any other fault while forwarding.
	Internal
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	case Malformed:
		return "malformed"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome for one message. Which fields are set
// depends on Outcome: StatusCode and Body for Delivered and Rejected,
// Err for Unreachable and Internal, RawPayload for Malformed.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Body       []byte
	RawPayload []byte
	Err        error
}

// OK reports whether the message was delivered.
func (r Result) OK() bool {
	return r.Outcome == Delivered
}
