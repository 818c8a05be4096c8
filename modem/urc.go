package modem

import (
	"strings"
	"time"

	"github.com/zerynth/lib-quectel-bg96/at"
)

// RegStatus is the registration state of one network domain.
type RegStatus int

const (
	RegNot RegStatus = iota
	RegOK
	RegDenied
	RegRoaming
)

func (s RegStatus) String() string {
	switch s {
	case RegOK:
		return "registered"
	case RegDenied:
		return "denied"
	case RegRoaming:
		return "roaming"
	default:
		return "not registered"
	}
}

// Registered reports whether the state allows traffic.
func (s RegStatus) Registered() bool {
	return s == RegOK || s == RegRoaming
}

// Radio technology bits, built from the <AcT> values the network
// reports.
const (
	TechGSM = 1 << iota
	TechGPRS
	TechLTEM
	TechNBIoT
)

// registration tracks the per-domain registration state reported by
// +CREG (circuit), +CGREG (GPRS) and +CEREG (EPS), the serving cell
// identifiers and technology, and how long the packet domains have
// been unregistered.
type registration struct {
	creg, cgreg, cereg RegStatus
	unregSince         time.Time
	lac, ci            string
	tech               int
}

// aggregate is the packet-domain registration state. EPS wins over
// GPRS; circuit registration alone carries no data traffic.
func (r *registration) aggregate() RegStatus {
	switch {
	case r.cereg.Registered():
		return r.cereg
	case r.cgreg.Registered():
		return r.cgreg
	default:
		return RegNot
	}
}

// status maps a 3GPP <stat> value onto RegStatus.
func regStatus(stat int) RegStatus {
	switch stat {
	case 1:
		return RegOK
	case 3:
		return RegDenied
	case 5:
		return RegRoaming
	default:
		// 0 not registered, 2 searching, 4 unknown
		return RegNot
	}
}

// techBit maps an <AcT> value onto the technology bitmask.
func techBit(act int) int {
	switch act {
	case 0, 1, 3:
		return TechGSM
	case 2:
		return TechGPRS
	case 8:
		return TechLTEM
	case 9:
		return TechNBIoT
	default:
		return 0
	}
}

// dispatchURC routes an unsolicited line to the matching state machine
// and mirrors the raw line on the URC channel for subscribers. Runs on
// the Loop goroutine and must never block.
func (m *Modem) dispatchURC(cmd *at.Command, line string) {
	m.counters.urcs.Add(1)

	select {
	case m.urcChan <- line:
	default:
		// subscribers too slow, drop
	}

	args, _ := at.Args(line, cmd)
	switch cmd.ID {
	case at.CmdCMTI:
		m.pendingSMS.Add(1)

	case at.CmdCREG, at.CmdCGREG, at.CmdCEREG:
		m.handleRegistration(cmd.ID, args)

	case at.CmdCGEV:
		m.handlePacketEvent(args)

	case at.CmdQIOPEN:
		m.handleOpenResult(args, false)
	case at.CmdQSSLOPEN:
		m.handleOpenResult(args, true)

	case at.CmdQIURC:
		m.handleSocketEvent(args, false)
	case at.CmdQSSLURC:
		m.handleSocketEvent(args, true)
	}
}

// handleRegistration digests the URC form of +CREG/+CGREG/+CEREG:
// <stat>[,<lac>,<ci>[,<act>]].
func (m *Modem) handleRegistration(id at.CmdID, args string) {
	sc := at.Scan(args)
	stat := regStatus(sc.Int())

	var lac, ci string
	act := -1
	if sc.Remaining() >= 2 {
		lac = sc.String()
		ci = sc.String()
	}
	if sc.Remaining() >= 1 {
		act = sc.Int()
	}
	if sc.Err() != nil {
		m.log.Warn("malformed registration urc", "args", args)
		return
	}

	m.netMu.Lock()
	defer m.netMu.Unlock()
	switch id {
	case at.CmdCREG:
		m.reg.creg = stat
	case at.CmdCGREG:
		m.reg.cgreg = stat
	case at.CmdCEREG:
		m.reg.cereg = stat
	}

	if !m.reg.aggregate().Registered() {
		// the radio snapshot is only meaningful while registered
		m.reg.tech = 0
		m.reg.lac, m.reg.ci = "", ""
		if m.reg.unregSince.IsZero() {
			m.reg.unregSince = time.Now()
		}
		return
	}
	m.reg.unregSince = time.Time{}
	if lac != "" {
		m.reg.lac = lac
	}
	if ci != "" {
		m.reg.ci = ci
	}
	if act >= 0 && stat.Registered() {
		m.reg.tech |= techBit(act)
	}
}

// unregisteredGrace is how long the packet domains may stay
// unregistered before socket traffic is refused and open connections
// are force closed.
const unregisteredGrace = 60 * time.Second

// networkLost reports whether the network has been gone for longer
// than the grace period.
func (m *Modem) networkLost() bool {
	m.netMu.Lock()
	defer m.netMu.Unlock()
	return !m.reg.unregSince.IsZero() && time.Since(m.reg.unregSince) >= unregisteredGrace
}

// handlePacketEvent digests +CGEV reports. A network initiated detach
// or PDN deactivation drops every open socket.
func (m *Modem) handlePacketEvent(args string) {
	if strings.Contains(args, "DEACT") || strings.Contains(args, "DETACH") {
		m.log.Info("packet service lost", "event", args)
		m.closeAllSockets()
	}
}

// handleOpenResult digests "+QIOPEN: <id>,<rc>" and its TLS twin.
// rc zero means the connection is established.
func (m *Modem) handleOpenResult(args string, secure bool) {
	sc := at.Scan(args)
	id := sc.Int()
	rc := sc.Int()
	if sc.Err() != nil {
		return
	}
	s := m.sockByID(id)
	if s == nil {
		return
	}
	select {
	case s.connCh <- rc:
	default:
	}
	_ = secure
}

// handleSocketEvent digests "+QIURC"/"+QSSLURC" notifications:
// incoming data, remote close, DNS answers and PDP deactivation.
func (m *Modem) handleSocketEvent(args string, secure bool) {
	sc := at.Scan(args)
	kind := sc.String()

	switch kind {
	case "recv":
		if s := m.sockByID(sc.Int()); s != nil {
			s.signalRx()
			m.signalSelect()
		}

	case "closed":
		if s := m.sockByID(sc.Int()); s != nil {
			s.remoteClosed()
			m.signalSelect()
		}

	case "dnsgip":
		m.handleDNSAnswer(sc)

	case "pdpdeact":
		m.log.Info("pdp context deactivated", "context", sc.Int())
		m.closeAllSockets()
	}
	_ = secure
}

// dnsEvent is one parsed "dnsgip" notification.
type dnsEvent struct {
	header bool
	rc     int
	count  int
	ip     string
}

// handleDNSAnswer forwards "dnsgip" URCs to the pending Resolve call.
// The header carries <rc>,<count>,<ttl>; each following URC carries a
// single address.
func (m *Modem) handleDNSAnswer(sc *at.Scanner) {
	var ev dnsEvent
	first := sc.String()
	if strings.ContainsAny(first, ".:") {
		ev.ip = first
	} else {
		ev.header = true
		ev.rc = firstInt(first)
		if sc.Remaining() > 0 {
			ev.count = sc.Int()
		}
	}
	select {
	case m.dnsCh <- ev:
	default:
	}
}
