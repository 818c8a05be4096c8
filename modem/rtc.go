package modem

import (
	"context"
	"fmt"
	"time"

	"github.com/zerynth/lib-quectel-bg96/at"
)

// Clock reads the modem real-time clock. The firmware reports the
// timezone in quarter hours; the returned time carries the matching
// fixed zone.
func (m *Modem) Clock(ctx context.Context) (time.Time, error) {
	lines, err := m.execLines(ctx, 0, 1, at.CmdCCLK, "?")
	if err != nil {
		return time.Time{}, fmt.Errorf("read clock: %w", err)
	}
	if len(lines) == 0 {
		return time.Time{}, fmt.Errorf("read clock: empty reply")
	}
	return parseClock(at.Scan(lines[0]).String())
}

// SetClock programs the modem real-time clock, keeping the zone of t.
func (m *Modem) SetClock(ctx context.Context, t time.Time) error {
	_, offset := t.Zone()
	quarters := offset / (15 * 60)
	sign := '+'
	if quarters < 0 {
		sign = '-'
		quarters = -quarters
	}
	stamp := fmt.Sprintf("%s%c%02d", t.Format("06/01/02,15:04:05"), sign, quarters)
	if err := m.execOK(ctx, 0, at.CmdCCLK, "=", stamp); err != nil {
		return fmt.Errorf("set clock: %w", err)
	}
	return nil
}

// parseClock decodes the "yy/MM/dd,hh:mm:ss±zz" +CCLK stamp, zz being
// quarter hours east of UTC.
func parseClock(stamp string) (time.Time, error) {
	if len(stamp) < 20 {
		return time.Time{}, fmt.Errorf("malformed clock %q", stamp)
	}
	base, err := time.Parse("06/01/02,15:04:05", stamp[:17])
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed clock %q: %w", stamp, err)
	}

	tz := stamp[17:]
	quarters := firstInt(tz[1:])
	minutes := quarters * 15
	if tz[0] == '-' {
		minutes = -minutes
	}
	zone := time.FixedZone(fmt.Sprintf("UTC%s", tz), minutes*60)

	return time.Date(base.Year(), base.Month(), base.Day(),
		base.Hour(), base.Minute(), base.Second(), 0, zone), nil
}
