package modem_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zerynth/lib-quectel-bg96/modem"
)

// The tests in this file and its siblings drive a full modem, Loop
// included, against a TestTransport. A script goroutine plays the
// firmware side: it waits for the exact command bytes on the Writes
// channel and queues the response, the way a serial modem would.

type staticDialer struct {
	tr modem.Transport
}

func (d staticDialer) Dial(context.Context) (modem.Transport, error) {
	return d.tr, nil
}

// newLoopModem builds a modem over a TestTransport, feeds it the
// startup dialogue and starts the Loop. The Loop is torn down through
// Close on test cleanup.
func newLoopModem(t *testing.T) (*modem.Modem, *modem.TestTransport) {
	t.Helper()

	tt := modem.NewTestTransport()
	for _, resp := range []string{
		"AT\r\nOK\r\n",
		"ATE0\r\nOK\r\n",
		"OK\r\n",                 // AT+CMEE=2
		"+CPIN: READY\r\nOK\r\n", // AT+CPIN?
		"OK\r\n",                 // AT+CMGF=1
		"OK\r\n",                 // AT+CREG=2
		"OK\r\n",                 // AT+CGREG=2
		"OK\r\n",                 // AT+CEREG=2
		"OK\r\n",                 // AT+CGEREP=2
	} {
		tt.SendData(resp)
	}

	config, err := modem.NewConfigBuilder().
		WithDialer(staticDialer{tr: tt}).
		Build()
	if err != nil {
		t.Fatalf("config build failed: %v", err)
	}

	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("modem creation failed: %v", err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := m.Loop(context.Background()); err != nil && !errors.Is(err, io.EOF) {
			t.Errorf("modem loop error: %v", err)
		}
	}()
	t.Cleanup(func() {
		m.Close()
		<-loopDone
	})

	// Give the Loop goroutine time to start and set the loopRunning flag
	// before the test issues calls that check it (e.g. Bypass).
	time.Sleep(10 * time.Millisecond)

	// discard the startup writes, the scripts below only care about
	// their own commands
	for {
		select {
		case <-tt.Writes():
			continue
		default:
		}
		break
	}
	return m, tt
}

// expectWrite blocks until the driver writes something and checks it is
// the expected bytes.
func expectWrite(t *testing.T, tt *modem.TestTransport, want string) {
	t.Helper()
	select {
	case got := <-tt.Writes():
		if got != want {
			t.Errorf("wrote %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("no write observed, want %q", want)
	}
}

// script runs fn on its own goroutine and returns a channel closed when
// fn is done. Tests wait on it so scripted expectations always run to
// completion.
func script(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

// connectTCP opens socket 0 to a fixed peer, playing the firmware side.
func connectTCP(t *testing.T, m *modem.Modem, tt *modem.TestTransport) *modem.Socket {
	t.Helper()

	s, err := m.NewSocket(modem.ProtoTCP)
	if err != nil {
		t.Fatalf("socket slot: %v", err)
	}

	done := script(func() {
		expectWrite(t, tt, "AT+QIOPEN=1,0,\"TCP\",\"198.51.100.7\",7000,0,0\r")
		tt.SendData("OK\r\n")
		tt.SendData("+QIOPEN: 0,0\r\n")
	})
	if err := s.Connect(context.Background(), "198.51.100.7", 7000); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-done
	return s
}
