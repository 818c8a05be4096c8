package modem_test

import (
	gomock "go.uber.org/mock/gomock"

	"github.com/zerynth/lib-quectel-bg96/modem"
)

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

// expectOK appends a write of cmd followed by a read answering resp.
func (b *MockSequenceBuilder) expect(cmd, resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd)).Return(len(cmd), nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			copy(p, resp)
			return len(resp), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	// echo is still on for the very first command
	return b.expect("AT\r", "AT\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.expect("ATE0\r", "ATE0\r\nOK\r\n")
}

func (b *MockSequenceBuilder) VerboseErrors() *MockSequenceBuilder {
	return b.expect("AT+CMEE=2\r", "OK\r\n")
}

func (b *MockSequenceBuilder) SimPinRequired() *MockSequenceBuilder {
	return b.expect("AT+CPIN?\r", "+CPIN: SIM PIN\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimReady() *MockSequenceBuilder {
	return b.expect("AT+CPIN?\r", "+CPIN: READY\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SMSTextMode() *MockSequenceBuilder {
	return b.expect("AT+CMGF=1\r", "OK\r\n")
}

func (b *MockSequenceBuilder) EventReporting() *MockSequenceBuilder {
	b.expect("AT+CREG=2\r", "OK\r\n")
	b.expect("AT+CGREG=2\r", "OK\r\n")
	b.expect("AT+CEREG=2\r", "OK\r\n")
	b.expect("AT+CGEREP=2\r", "OK\r\n")
	return b
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls covers the full startup sequence of New() against a
// SIM that is already unlocked.
func initMockCalls(transport *modem.MockTransport) []any {
	return NewMockSequence(transport).
		AT().
		EchoOff().
		VerboseErrors().
		SimReady().
		SMSTextMode().
		EventReporting().
		Build()
}
