package protocol

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// HandshakeTimeout is how long to wait for the hello exchange
const HandshakeTimeout = 10 * time.Second

// Compatible checks if another peer's hello is compatible with ours
func (h *Hello) Compatible(other *Hello) error {
	if other == nil {
		return errors.New("nil hello")
	}

	if !isVersionCompatible(h.Version, other.MinVersion) {
		return fmt.Errorf("our version %s is below their minimum %s", h.Version, other.MinVersion)
	}

	if !isVersionCompatible(other.Version, h.MinVersion) {
		return fmt.Errorf("their version %s is below our minimum %s", other.Version, h.MinVersion)
	}

	if other.PeerID == "" {
		return errors.New("missing peer id")
	}

	if other.PeerID == h.PeerID {
		return errors.New("connected to self")
	}

	return nil
}

// PerformHello exchanges hellos over an established framer. Both sides write
// first, so the exchange cannot deadlock.
func PerformHello(conn net.Conn, framer *Framer, ours *Hello) (*Hello, error) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := framer.Send(MsgHello, ours); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	theirMsg, err := framer.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("receive hello: %w", err)
	}

	if theirMsg.Type != MsgHello {
		return nil, fmt.Errorf("expected hello, got %s", theirMsg.Type)
	}

	var theirs Hello
	if err := theirMsg.ParsePayload(&theirs); err != nil {
		return nil, fmt.Errorf("parse hello: %w", err)
	}

	if err := ours.Compatible(&theirs); err != nil {
		framer.Send(MsgBye, map[string]string{"reason": err.Error()})
		return nil, fmt.Errorf("incompatible: %w", err)
	}

	return &theirs, nil
}

func isVersionCompatible(version, minVersion string) bool {
	v, err := parseVersion(version)
	if err != nil {
		return false
	}
	min, err := parseVersion(minVersion)
	if err != nil {
		return false
	}
	return v.Compare(min) >= 0
}

// Version is a parsed semantic version
type Version struct {
	Major int
	Minor int
	Patch int
}

// Compare returns -1, 0, or 1
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return cmpInt(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmpInt(v.Minor, other.Minor)
	default:
		return cmpInt(v.Patch, other.Patch)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func parseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(s, ".")
	if len(parts) < 1 || len(parts) > 3 || parts[0] == "" {
		return v, fmt.Errorf("invalid version format: %q", s)
	}

	var err error
	if v.Major, err = parseVersionPart(parts[0]); err != nil {
		return v, err
	}
	if len(parts) >= 2 {
		if v.Minor, err = parseVersionPart(parts[1]); err != nil {
			return v, err
		}
	}
	if len(parts) >= 3 {
		if v.Patch, err = parseVersionPart(parts[2]); err != nil {
			return v, err
		}
	}

	return v, nil
}

// parseVersionPart accepts a numeric prefix, so "1-beta" parses as 1
func parseVersionPart(s string) (int, error) {
	for i, c := range s {
		if c < '0' || c > '9' {
			s = s[:i]
			break
		}
	}
	if s == "" {
		return 0, nil
	}

	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n, nil
}
