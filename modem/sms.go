package modem

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zerynth/lib-quectel-bg96/at"
)

const smsSendTimeout = 60 * time.Second

// SMS represents a text message stored on the modem.
type SMS struct {
	Index  int
	Status string // "REC UNREAD", "REC READ", "STO UNSENT", "STO SENT"
	Sender string
	Time   string
	Text   string
}

// SendSMS sends a text message to the specified recipient and returns
// the message reference assigned by the network.
//
// The message is sent in text mode (not PDU mode). The recipient should be
// in international format (e.g., "+1234567890").
//
// This method blocks until the message is accepted by the network or an error
// occurs. Network delivery (to the final recipient) happens asynchronously.
func (m *Modem) SendSMS(ctx context.Context, recipient, message string) (int, error) {
	req := newCommand(at.CmdCMGS, "=", recipient)
	req.expect = 1
	req.payload = []byte(message)
	req.trailer = []byte(at.CtrlZ)

	lines, _, err := m.exec(ctx, req, smsSendTimeout)
	if err != nil {
		return 0, fmt.Errorf("send sms: %w", err)
	}
	if len(lines) == 0 {
		return 0, fmt.Errorf("send sms: no message reference in reply")
	}
	m.counters.smsSent.Add(1)
	return firstInt(lines[0]), nil
}

// ListSMS returns the messages matching status ("ALL", "REC UNREAD",
// "REC READ", ...), skipping offset entries and returning at most
// limit (0 means no limit). Listing unread or all messages clears the
// pending counter.
func (m *Modem) ListSMS(ctx context.Context, status string, offset, limit int) ([]SMS, error) {
	req := newCommand(at.CmdCMGL, "=", status)
	req.expect = -1 // headers and body lines interleave

	lines, _, err := m.exec(ctx, req, 0)
	if err != nil {
		return nil, fmt.Errorf("list sms: %w", err)
	}

	if status == "ALL" || status == "REC UNREAD" {
		m.pendingSMS.Store(0)
	}

	var (
		out []SMS
		cur *SMS
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.TrimSuffix(cur.Text, "\n")
		if offset > 0 {
			offset--
		} else if limit <= 0 || len(out) < limit {
			out = append(out, *cur)
		}
		cur = nil
	}

	header := at.ByID(at.CmdCMGL)
	for _, line := range lines {
		if args, ok := at.Args(line, header); ok {
			flush()
			sc := at.Scan(args)
			cur = &SMS{
				Index:  sc.Int(),
				Status: sc.String(),
				Sender: sc.String(),
			}
			sc.Skip(1) // alpha
			cur.Time = sc.String()
			continue
		}
		if cur != nil {
			cur.Text += line + "\n"
		}
	}
	flush()
	return out, nil
}

// ReadSMS fetches a single message by storage index.
func (m *Modem) ReadSMS(ctx context.Context, index int) (SMS, error) {
	req := newCommand(at.CmdCMGR, "=", index)
	req.expect = -1

	lines, _, err := m.exec(ctx, req, 0)
	if err != nil {
		return SMS{}, fmt.Errorf("read sms %d: %w", index, err)
	}
	if len(lines) == 0 {
		return SMS{}, fmt.Errorf("read sms %d: empty slot", index)
	}

	sms := SMS{Index: index}
	if args, ok := at.Args(lines[0], at.ByID(at.CmdCMGR)); ok {
		sc := at.Scan(args)
		sms.Status = sc.String()
		sms.Sender = sc.String()
		sc.Skip(1) // alpha
		sms.Time = sc.String()
	}
	sms.Text = strings.Join(lines[1:], "\n")
	return sms, nil
}

// DeleteSMS removes the message at the given storage index.
func (m *Modem) DeleteSMS(ctx context.Context, index int) error {
	if err := m.execOK(ctx, 0, at.CmdCMGD, "=", index); err != nil {
		return fmt.Errorf("delete sms %d: %w", index, err)
	}
	return nil
}

// PendingSMS reports how many +CMTI notifications arrived since the
// last listing.
func (m *Modem) PendingSMS() int {
	return int(m.pendingSMS.Load())
}

// SetStorage selects the preferred message storage for reading,
// writing and receiving ("SM" for SIM, "ME" for modem memory).
func (m *Modem) SetStorage(ctx context.Context, mem string) error {
	if err := m.execOK(ctx, 0, at.CmdCPMS, "=", mem, mem, mem); err != nil {
		return fmt.Errorf("select storage %q: %w", mem, err)
	}
	return nil
}

// SMSCenter returns the configured service center address.
func (m *Modem) SMSCenter(ctx context.Context) (string, error) {
	lines, err := m.execLines(ctx, 0, 1, at.CmdCSCA, "?")
	if err != nil {
		return "", fmt.Errorf("query service center: %w", err)
	}
	if len(lines) == 0 {
		return "", nil
	}
	return at.Scan(lines[0]).String(), nil
}

// SetSMSCenter configures the service center address.
func (m *Modem) SetSMSCenter(ctx context.Context, sca string) error {
	if err := m.execOK(ctx, 0, at.CmdCSCA, "=", sca, 145); err != nil {
		return fmt.Errorf("set service center %q: %w", sca, err)
	}
	return nil
}
