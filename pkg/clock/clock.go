// Package clock provides the single application clock. Every timestamp it
// hands out is already expressed in the configured fixed offset, so callers
// never touch time.Now or the host's local zone directly.
package clock

import (
	"fmt"
	"strings"
	"time"

	"labdesk-controlplane/pkg/config"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
)

var Module = fx.Module("clock", fx.Provide(Provide))

// DateTimeLayout is the wall-clock form licenses are entered and displayed in.
const DateTimeLayout = "2006-01-02 15:04:05"

type Clock interface {
	Now() time.Time
	Location() *time.Location
	In(t time.Time) time.Time
}

type fixedClock struct {
	base clockwork.Clock
	loc  *time.Location
}

func Provide(cfg *config.Config) (Clock, error) {
	offset, err := config.ParseOffset(cfg.TimezoneOffset)
	if err != nil {
		return nil, err
	}
	return New(clockwork.NewRealClock(), offset), nil
}

// New wraps base so that all readings are normalised to offsetSeconds east of UTC.
func New(base clockwork.Clock, offsetSeconds int) Clock {
	return &fixedClock{base: base, loc: Zone(offsetSeconds)}
}

// Zone returns the named fixed zone for an offset, e.g. "+05:30".
func Zone(offsetSeconds int) *time.Location {
	sign := "+"
	abs := offsetSeconds
	if abs < 0 {
		sign = "-"
		abs = -abs
	}
	name := fmt.Sprintf("%s%02d:%02d", sign, abs/3600, (abs%3600)/60)
	return time.FixedZone(name, offsetSeconds)
}

func (c *fixedClock) Now() time.Time {
	return c.base.Now().In(c.loc)
}

func (c *fixedClock) Location() *time.Location {
	return c.loc
}

func (c *fixedClock) In(t time.Time) time.Time {
	return t.In(c.loc)
}

// Parse accepts RFC3339 (honouring its explicit offset) or DateTimeLayout,
// which is read as wall-clock time in the clock's zone.
func Parse(c Clock, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return c.In(t), nil
	}
	t, err := time.ParseInLocation(DateTimeLayout, s, c.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime format, expected %q or RFC3339, got %q", DateTimeLayout, s)
	}
	return t, nil
}
