package sdk

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle position of the SDK session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateDisconnected; candidate <= StateDegraded; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Session is a point-in-time view of the connection to the SDK.
type Session struct {
	CommandAddress string    `json:"command_address"`
	EventAddress   string    `json:"event_address"`
	State          State     `json:"state"`
	Generation     uint64    `json:"generation"`
	ConnectedAt    time.Time `json:"connected_at,omitzero"`
	LastActivity   time.Time `json:"last_activity,omitzero"`
}

// Backoff doubles from Initial on every attempt and never exceeds Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before the given attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Initial
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	limit := b.Max
	if limit < delay {
		limit = delay
	}

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}

// ParseAddress turns "tcp://host:port" (or a bare "host:port") into a dialable host:port.
func ParseAddress(address string) (string, error) {
	trimmed := strings.TrimSpace(address)
	if scheme, rest, ok := strings.Cut(trimmed, "://"); ok {
		if scheme != "tcp" {
			return "", fmt.Errorf("unsupported sdk address scheme %q", scheme)
		}
		trimmed = rest
	}

	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid sdk address %q: %w", address, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("invalid sdk port %q", port)
	}

	return net.JoinHostPort(host, port), nil
}

// EventAddressFor derives the event socket address: same host, command port + 1.
func EventAddressFor(address string) (string, error) {
	hostPort, err := ParseAddress(address)
	if err != nil {
		return "", err
	}

	host, port, _ := net.SplitHostPort(hostPort)
	n, _ := strconv.ParseUint(port, 10, 16)
	if n >= 65535 {
		return "", fmt.Errorf("sdk port %d leaves no room for the event port", n)
	}

	return net.JoinHostPort(host, strconv.FormatUint(n+1, 10)), nil
}
