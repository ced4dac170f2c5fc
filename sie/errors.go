package sie

import "errors"

// Protocol-layer errors. CRC and toggle mismatches are handled locally
// (the packet is dropped and the peer's own timeout drives the retry);
// everything here propagates to the caller because it signals a logic bug
// or an incomplete configuration rather than a recoverable transient.
var (
	// ErrProtocolViolation marks a packet category arriving in a state
	// where the protocol forbids it, for example a STALL handshake sent
	// by a host role.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnsupportedInterrupt marks an interrupt code outside the
	// implemented set.
	ErrUnsupportedInterrupt = errors.New("unsupported interrupt")

	// ErrUnsupportedEndpoint marks an endpoint number with no toggle
	// slot or staging buffer.
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint")
)
