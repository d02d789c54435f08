package contour

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	expiresAtPrefix = "at"
	expiresInPrefix = "in"

	// expiresTimeLayout is an ISO-8601 local datetime without offset, at
	// seconds precision. Instants are normalized to UTC on the way out.
	expiresTimeLayout = "2006-01-02T15:04:05"
)

var (
	// ErrExpiresArgument is returned when an expiration string does not have
	// the shape "<prefix> <value>" or carries an unknown prefix.
	ErrExpiresArgument = errors.New("invalid expiration argument")

	// ErrExpiresFormat is returned when the value part of an expiration
	// string cannot be parsed for its prefix.
	ErrExpiresFormat = errors.New("invalid expiration format")
)

// Expires is a message expiration: either an absolute instant ("at ...") or a
// relative period in seconds ("in ...").
type Expires struct {
	// Date is set for the absolute variant, in UTC.
	Date *time.Time

	// Period is set for the relative variant, in seconds.
	Period *int64
}

// ExpiresAt builds an absolute expiration. The instant is normalized to UTC.
func ExpiresAt(t time.Time) Expires {
	utc := t.UTC().Truncate(time.Second)
	return Expires{Date: &utc}
}

// ExpiresIn builds a relative expiration of the given number of seconds.
func ExpiresIn(seconds int64) Expires {
	return Expires{Period: &seconds}
}

// String serializes the expiration using the wire grammar: "at <datetime>"
// for the absolute variant, "in <seconds>" for the relative one.
func (e Expires) String() string {
	if e.Date != nil {
		return expiresAtPrefix + " " + e.Date.UTC().Format(expiresTimeLayout)
	}
	if e.Period != nil {
		return expiresInPrefix + " " + strconv.FormatInt(*e.Period, 10)
	}
	return ""
}

// ParseExpires parses the wire representation of an expiration. The input
// must be exactly two whitespace-separated tokens; the prefix determines the
// variant.
func ParseExpires(s string) (Expires, error) {
	tokens := strings.Fields(s)
	if len(tokens) != 2 {
		return Expires{}, errors.Wrapf(ErrExpiresArgument, "expected two tokens in %q", s)
	}

	switch tokens[0] {
	case expiresAtPrefix:
		t, err := time.Parse(expiresTimeLayout, tokens[1])
		if err != nil {
			return Expires{}, errors.Wrapf(ErrExpiresFormat, "bad datetime %q", tokens[1])
		}
		utc := t.UTC()
		return Expires{Date: &utc}, nil

	case expiresInPrefix:
		seconds, err := strconv.ParseInt(tokens[1], 10, 64)
		if err != nil || seconds < 0 {
			return Expires{}, errors.Wrapf(ErrExpiresFormat, "bad period %q", tokens[1])
		}
		return Expires{Period: &seconds}, nil

	default:
		return Expires{}, errors.Wrapf(ErrExpiresArgument, "unknown prefix %q", tokens[0])
	}
}
