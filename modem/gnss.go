package modem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zerynth/lib-quectel-bg96/at"
)

// Fix is one GNSS position report.
type Fix struct {
	UTC      time.Time
	Lat      float64
	Lon      float64
	HDOP     float64
	Alt      float64
	FixType  int // 2 or 3 dimensional
	COG      float64 // course over ground, decimal degrees
	SpeedKmh float64
	NSat     int
}

// GNSSStart powers up the GNSS engine. fixRate is the position update
// interval in seconds; useUART3 routes the NMEA stream to the
// dedicated UART instead of the USB endpoint.
func (m *Modem) GNSSStart(ctx context.Context, fixRate int, useUART3 bool) error {
	// keep NMEA sentences off the AT port
	if err := m.execOK(ctx, 0, at.CmdQGPSCFG, "=", "nmeasrc", 0); err != nil {
		return fmt.Errorf("configure nmea source: %w", err)
	}
	// all constellations
	if err := m.execOK(ctx, 0, at.CmdQGPSCFG, "=", "gnssconfig", 1); err != nil {
		return fmt.Errorf("configure constellations: %w", err)
	}
	if fixRate <= 0 {
		fixRate = 1
	}
	if err := m.execOK(ctx, 0, at.CmdQGPS, "=", 1, 30, 50, 0, fixRate); err != nil {
		return fmt.Errorf("start gnss: %w", err)
	}
	if useUART3 {
		if err := m.execOK(ctx, 0, at.CmdQGPSCFG, "=", "outport", "uartnmea"); err != nil {
			return fmt.Errorf("route nmea: %w", err)
		}
	}
	return nil
}

// GNSSStop powers the GNSS engine down.
func (m *Modem) GNSSStop(ctx context.Context) error {
	if err := m.execOK(ctx, 0, at.CmdQGPSEND, ""); err != nil {
		return fmt.Errorf("stop gnss: %w", err)
	}
	return nil
}

// GNSSFix returns the current position, ErrNoFix while the engine is
// still searching.
func (m *Modem) GNSSFix(ctx context.Context) (Fix, error) {
	lines, err := m.execLines(ctx, 0, 1, at.CmdQGPSLOC, "=", 2)
	if err != nil {
		// 516: position not fixed yet
		if strings.Contains(err.Error(), "516") {
			return Fix{}, ErrNoFix
		}
		return Fix{}, fmt.Errorf("query position: %w", err)
	}
	if len(lines) == 0 {
		return Fix{}, ErrNoFix
	}
	return parseFix(lines[0])
}

// parseFix decodes the +QGPSLOC mode 2 report:
// <utc>,<lat>,<lon>,<hdop>,<alt>,<fix>,<cog>,<spkm>,<spkn>,<date>,<nsat>
func parseFix(args string) (Fix, error) {
	f := at.ParseArgs(args)
	if len(f) < 11 {
		return Fix{}, fmt.Errorf("malformed position %q", args)
	}

	var fix Fix
	fix.Lat, _ = strconv.ParseFloat(f[1], 64)
	fix.Lon, _ = strconv.ParseFloat(f[2], 64)
	fix.HDOP, _ = strconv.ParseFloat(f[3], 64)
	fix.Alt, _ = strconv.ParseFloat(f[4], 64)
	fix.FixType, _ = strconv.Atoi(f[5])
	fix.SpeedKmh, _ = strconv.ParseFloat(f[7], 64)
	fix.NSat, _ = strconv.Atoi(f[10])

	// course arrives as degrees.minutes, fold the minutes into
	// decimal degrees
	cog, _ := strconv.ParseFloat(f[6], 64)
	deg := float64(int(cog))
	fix.COG = deg + (cog-deg)*10.0/6.0

	if t, err := time.Parse("020106 150405.000", f[9]+" "+f[0]); err == nil {
		fix.UTC = t.UTC()
	} else if t, err := time.Parse("020106 150405", f[9]+" "+strings.Split(f[0], ".")[0]); err == nil {
		fix.UTC = t.UTC()
	}
	return fix, nil
}
