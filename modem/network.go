package modem

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zerynth/lib-quectel-bg96/at"
)

const (
	dnsTimeout      = 15 * time.Second
	psdTimeout      = 3 * time.Minute
	attachTimeout   = 3 * time.Minute
	registerTimeout = 60 * time.Second
	operatorTimeout = 3 * time.Minute
)

// NetworkInfo is a snapshot of the radio and registration state.
type NetworkInfo struct {
	Registered bool
	Roaming    bool
	Tech       int // Tech* bitmask
	Operator   string
	LAC        string
	CI         string
}

// MobileInfo identifies the modem and its SIM.
type MobileInfo struct {
	IMEI  string
	ICCID string
}

// LinkInfo describes the active PDP context.
type LinkInfo struct {
	IP         string
	PrimaryDNS string
	BackupDNS  string
}

// CheckNetwork refreshes the registration state from the modem and
// reports whether any domain is registered. EPS registration wins over
// GPRS, which wins over circuit switched.
func (m *Modem) CheckNetwork(ctx context.Context) (bool, error) {
	for _, id := range []at.CmdID{at.CmdCREG, at.CmdCGREG, at.CmdCEREG} {
		lines, err := m.execLines(ctx, 0, 1, id, "?")
		if err != nil {
			return false, fmt.Errorf("registration query: %w", err)
		}
		if len(lines) == 0 {
			continue
		}
		// solicited form leads with the URC mode, drop it and reuse
		// the URC path
		args := lines[0]
		if i := strings.IndexByte(args, ','); i >= 0 {
			m.handleRegistration(id, args[i+1:])
		}
	}

	m.netMu.Lock()
	defer m.netMu.Unlock()
	switch {
	case m.reg.cereg.Registered():
		return true, nil
	case m.reg.cgreg.Registered():
		return true, nil
	default:
		return m.reg.creg.Registered(), nil
	}
}

// NetworkInfo returns the current registration snapshot together with
// the operator name from +COPS.
func (m *Modem) NetworkInfo(ctx context.Context) (NetworkInfo, error) {
	registered, err := m.CheckNetwork(ctx)
	if err != nil {
		return NetworkInfo{}, err
	}

	var operator string
	if lines, err := m.execLines(ctx, 0, 1, at.CmdCOPS, "?"); err == nil && len(lines) > 0 {
		sc := at.Scan(lines[0])
		sc.Skip(2)
		if sc.Remaining() > 0 {
			operator = sc.String()
		}
	}

	m.netMu.Lock()
	defer m.netMu.Unlock()
	return NetworkInfo{
		Registered: registered,
		Roaming:    m.reg.cereg == RegRoaming || m.reg.cgreg == RegRoaming || m.reg.creg == RegRoaming,
		Tech:       m.reg.tech,
		Operator:   operator,
		LAC:        m.reg.lac,
		CI:         m.reg.ci,
	}, nil
}

// MobileInfo queries the IMEI and the SIM ICCID.
func (m *Modem) MobileInfo(ctx context.Context) (MobileInfo, error) {
	var info MobileInfo

	lines, err := m.execLines(ctx, 0, 0, at.CmdGSN, "")
	if err != nil {
		return info, fmt.Errorf("query imei: %w", err)
	}
	if len(lines) > 0 {
		info.IMEI = lines[0]
	}

	lines, err = m.execLines(ctx, 0, 1, at.CmdQCCID, "")
	if err != nil {
		return info, fmt.Errorf("query iccid: %w", err)
	}
	if len(lines) > 0 {
		info.ICCID = lines[0]
	}
	return info, nil
}

// LinkInfo reports the IP address of the active context and the DNS
// servers in use.
func (m *Modem) LinkInfo(ctx context.Context) (LinkInfo, error) {
	var info LinkInfo

	lines, err := m.execLines(ctx, 0, 1, at.CmdQIACT, "?")
	if err != nil {
		return info, fmt.Errorf("query context: %w", err)
	}
	if len(lines) > 0 {
		sc := at.Scan(lines[0])
		sc.Skip(3) // context id, state, type
		if sc.Remaining() > 0 {
			info.IP = sc.String()
		}
	}

	if lines, err := m.execLines(ctx, 0, 1, at.CmdQIDNSCFG, "=", 1); err == nil && len(lines) > 0 {
		sc := at.Scan(lines[0])
		sc.Skip(1) // context id
		if sc.Remaining() > 0 {
			info.PrimaryDNS = sc.String()
		}
		if sc.Remaining() > 0 {
			info.BackupDNS = sc.String()
		}
	}
	return info, nil
}

// RSSI returns the received signal strength in dBm, 0 when unknown.
func (m *Modem) RSSI(ctx context.Context) (int, error) {
	lines, err := m.execLines(ctx, 0, 1, at.CmdCSQ, "")
	if err != nil {
		return 0, fmt.Errorf("query signal: %w", err)
	}
	if len(lines) == 0 {
		return 0, nil
	}
	raw := at.Scan(lines[0]).Int()
	if raw == 99 {
		return 0, nil
	}
	return -113 + 2*raw, nil
}

// ConfigurePSD sets the packet data profile on context 1. auth is 0
// none, 1 PAP, 2 CHAP.
func (m *Modem) ConfigurePSD(ctx context.Context, apn, user, password string, auth int) error {
	if err := m.execOK(ctx, 0, at.CmdQICSGP, "=", 1, 1, apn, user, password, auth); err != nil {
		return fmt.Errorf("configure apn: %w", err)
	}
	return nil
}

// ControlPSD activates or deactivates PDP context 1.
func (m *Modem) ControlPSD(ctx context.Context, activate bool) error {
	var err error
	if activate {
		err = m.execOK(ctx, psdTimeout, at.CmdQIACT, "=", 1)
	} else {
		err = m.execOK(ctx, psdTimeout, at.CmdQIDEACT, "=", 1)
	}
	if err != nil {
		return fmt.Errorf("control context: %w", err)
	}
	return nil
}

// IsAttached reports whether the modem is attached to the packet
// service.
func (m *Modem) IsAttached(ctx context.Context) (bool, error) {
	lines, err := m.execLines(ctx, 0, 1, at.CmdCGATT, "?")
	if err != nil {
		return false, fmt.Errorf("query attach: %w", err)
	}
	return len(lines) > 0 && firstInt(lines[0]) == 1, nil
}

// Attach brings the packet data connection up: waits for network
// registration, configures the APN profile and activates the context.
func (m *Modem) Attach(ctx context.Context, apn, user, password string, auth int) error {
	deadline := time.Now().Add(registerTimeout)
	for {
		registered, err := m.CheckNetwork(ctx)
		if err != nil {
			return err
		}
		if registered {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: not registered", ErrNetworkDown)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	if err := m.execOK(ctx, attachTimeout, at.CmdCGATT, "=", 1); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if err := m.ConfigurePSD(ctx, apn, user, password, auth); err != nil {
		return err
	}
	return m.ControlPSD(ctx, true)
}

// Detach drops the packet data connection.
func (m *Modem) Detach(ctx context.Context) error {
	return m.ControlPSD(ctx, false)
}

// Operator is one entry of an operator scan.
type Operator struct {
	Status  int // 0 unknown, 1 available, 2 current, 3 forbidden
	Long    string
	Short   string
	Numeric string
	Tech    int
}

// Operators scans for visible networks. The scan takes up to a few
// minutes on a live modem.
func (m *Modem) Operators(ctx context.Context) ([]Operator, error) {
	lines, err := m.execLines(ctx, operatorTimeout, 1, at.CmdCOPS, "=?")
	if err != nil {
		return nil, fmt.Errorf("operator scan: %w", err)
	}
	if len(lines) == 0 {
		return nil, nil
	}

	var ops []Operator
	args := lines[0]
	for len(args) > 0 && len(ops) < 6 {
		open := strings.IndexByte(args, '(')
		if open < 0 {
			break
		}
		closing := strings.IndexByte(args[open:], ')')
		if closing < 0 {
			break
		}
		group := args[open+1 : open+closing]
		args = args[open+closing+1:]

		sc := at.Scan(group)
		op := Operator{
			Status:  sc.Int(),
			Long:    sc.String(),
			Short:   sc.String(),
			Numeric: sc.String(),
		}
		if sc.Remaining() > 0 {
			op.Tech = techBit(sc.Int())
		}
		if sc.Err() != nil {
			// trailing "(0-4),(0-2)" capability groups
			break
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// SetOperator forces registration on the operator with the given long
// alphanumeric name.
func (m *Modem) SetOperator(ctx context.Context, name string) error {
	if err := m.execOK(ctx, operatorTimeout, at.CmdCOPS, "=", 1, 1, name); err != nil {
		return fmt.Errorf("select operator %q: %w", name, err)
	}
	return nil
}

// SetRAT restricts the radio access technology scan. scanMode is 0
// auto, 1 GSM only, 3 LTE only; iotMode is 0 LTE-M1, 1 NB-IoT, 2 both.
// band is the firmware band mask triple, empty to leave it unchanged.
func (m *Modem) SetRAT(ctx context.Context, scanMode, iotMode int, band string) error {
	if err := m.execOK(ctx, 0, at.CmdQCFG, "=", "nwscanmode", scanMode, 1); err != nil {
		return fmt.Errorf("set scan mode: %w", err)
	}
	if err := m.execOK(ctx, 0, at.CmdQCFG, "=", "iotopmode", iotMode, 1); err != nil {
		return fmt.Errorf("set iot mode: %w", err)
	}
	if band != "" {
		if err := m.execOK(ctx, 0, at.CmdQCFG, "=", "band", at.Raw(band), 1); err != nil {
			return fmt.Errorf("set band: %w", err)
		}
	}
	return nil
}

// ModemFunctionality sets the +CFUN level: 0 minimum, 1 full, 4 radio
// off.
func (m *Modem) ModemFunctionality(ctx context.Context, level int) error {
	if err := m.execOK(ctx, 15*time.Second, at.CmdCFUN, "=", level); err != nil {
		return fmt.Errorf("set functionality %d: %w", level, err)
	}
	return nil
}

// Resolve runs a DNS query through the modem and returns the first
// address the network answers with. Queries are serialized; the modem
// resolver handles one lookup at a time.
func (m *Modem) Resolve(ctx context.Context, host string) (string, error) {
	m.dnsMu.Lock()
	defer m.dnsMu.Unlock()

	// drop answers of an abandoned earlier query
	for {
		select {
		case <-m.dnsCh:
			continue
		default:
		}
		break
	}

	if err := m.execOK(ctx, 0, at.CmdQIDNSGIP, "=", 1, host); err != nil {
		return "", fmt.Errorf("resolve %q: %w", host, err)
	}

	timer := time.NewTimer(dnsTimeout)
	defer timer.Stop()

	var (
		first string
		want  = -1
		got   int
	)
	for {
		select {
		case ev := <-m.dnsCh:
			if ev.header {
				if ev.rc != 0 {
					return "", fmt.Errorf("%w: %q rc %d", ErrDNSFailure, host, ev.rc)
				}
				want = ev.count
			} else {
				if first == "" {
					first = ev.ip
				}
				got++
			}
			if want >= 0 && got >= want {
				if first == "" {
					return "", fmt.Errorf("%w: %q no addresses", ErrDNSFailure, host)
				}
				return first, nil
			}
		case <-timer.C:
			return "", fmt.Errorf("%w: %q timed out", ErrDNSFailure, host)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
