package modem

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/zerynth/lib-quectel-bg96/at"
)

const uploadTimeout = 10 * time.Second

// TLSConfig carries the PEM material for a TLS socket. CACert enables
// server verification; ClientCert and ClientKey together enable mutual
// authentication.
type TLSConfig struct {
	CACert     []byte
	ClientCert []byte
	ClientKey  []byte
}

// seclevel maps the provided material onto the firmware verification
// level: 0 none, 1 server, 2 mutual.
func (c TLSConfig) seclevel() int {
	switch {
	case len(c.ClientCert) > 0 && len(c.ClientKey) > 0:
		return 2
	case len(c.CACert) > 0:
		return 1
	default:
		return 0
	}
}

// EnableTLS provisions the credentials into the modem filesystem and
// configures the SSL context bound to this socket. Must be called
// before Connect; the socket then opens through the TLS engine.
func (s *Socket) EnableTLS(ctx context.Context, cfg TLSConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return ErrSocketClosed
	}
	if s.proto != ProtoTCP {
		return fmt.Errorf("%w: tls needs a TCP socket", ErrUnsupported)
	}
	if s.state.Load() != stateIdle {
		return fmt.Errorf("%w: tls setup on open socket", ErrUnsupported)
	}

	type cred struct {
		key  string
		name string
		data []byte
	}
	creds := []cred{
		{"cacert", fmt.Sprintf("cacert%d.pem", s.id), cfg.CACert},
		{"clientcert", fmt.Sprintf("clicrt%d.pem", s.id), cfg.ClientCert},
		{"clientkey", fmt.Sprintf("prvkey%d.pem", s.id), cfg.ClientKey},
	}

	for _, c := range creds {
		if len(c.data) == 0 {
			continue
		}
		if err := s.m.fileUpload(ctx, c.name, c.data); err != nil {
			return err
		}
	}

	// fixed sequence: version, ciphers, credential bindings,
	// verification level
	sslctx := s.id
	steps := [][]any{
		{"sslversion", sslctx, 3},
		{"ciphersuite", sslctx, at.Raw("0xFFFF")},
	}
	for _, c := range creds {
		if len(c.data) == 0 {
			continue
		}
		steps = append(steps, []any{c.key, sslctx, c.name})
	}
	steps = append(steps,
		[]any{"seclevel", sslctx, cfg.seclevel()},
		[]any{"ignorelocaltime", sslctx, 1},
	)

	for _, args := range steps {
		if err := s.m.execOK(ctx, 0, at.CmdQSSLCFG, "=", args...); err != nil {
			return fmt.Errorf("ssl config %v: %w", args[0], err)
		}
	}

	s.secure = true
	return nil
}

// fileUpload stores data in the modem filesystem under name, replacing
// any previous version. Trailing NUL padding is stripped, the firmware
// rejects PEM blobs that carry it.
func (m *Modem) fileUpload(ctx context.Context, name string, data []byte) error {
	data = bytes.TrimRight(data, "\x00")

	// a leftover file with the same name makes the upload fail
	if err := m.execOK(ctx, 0, at.CmdQFDEL, "=", name); err != nil {
		m.log.Debug("stale credential delete", "file", name, "err", err)
	}

	req := newCommand(at.CmdQFUPL, "=", name, len(data), 5, 0)
	req.payload = data
	req.expect = 1
	lines, _, err := m.exec(ctx, req, uploadTimeout)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if len(lines) == 0 || firstInt(lines[0]) != len(data) {
		return fmt.Errorf("upload %s: size mismatch in %q", name, lines)
	}
	return nil
}
