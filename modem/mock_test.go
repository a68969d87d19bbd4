package modem_test

import (
	"fmt"
	"io"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/lorae5/modem"
)

// MockSequenceBuilder scripts a module session on a MockTransport. Writes
// are expected in the order the steps are added; each write queues the
// module's answer for the reader goroutine.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	replies   chan string
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	b := &MockSequenceBuilder{
		transport: transport,
		replies:   make(chan string, 16),
		calls:     []any{},
	}

	// Reads happen whenever the loop's reader gets scheduled, so they are
	// not part of the ordered sequence.
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		reply, ok := <-b.replies
		if !ok {
			return 0, io.EOF
		}
		return copy(p, reply), nil
	}).AnyTimes()

	return b
}

func (b *MockSequenceBuilder) step(cmd, reply string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd+"\r\n")).DoAndReturn(func(p []byte) (int, error) {
			b.replies <- reply
			return len(p), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.step("AT", "AT\r\n+AT: OK\r\n")
}

func (b *MockSequenceBuilder) Mode(mode modem.Mode) *MockSequenceBuilder {
	return b.step("AT+MODE="+string(mode), fmt.Sprintf("+MODE: %s\r\n", mode))
}

func (b *MockSequenceBuilder) Region(region modem.Region) *MockSequenceBuilder {
	return b.step("AT+DR="+string(region), fmt.Sprintf("+DR: %s\r\n", region))
}

func (b *MockSequenceBuilder) Port(port int) *MockSequenceBuilder {
	return b.step(fmt.Sprintf("AT+PORT=%d", port), fmt.Sprintf("+PORT: %d\r\n", port))
}

func (b *MockSequenceBuilder) NotJoined(cmd string) *MockSequenceBuilder {
	return b.step(cmd, "+MSGHEX: Please join network first\r\n")
}

func (b *MockSequenceBuilder) JoinAccepted() *MockSequenceBuilder {
	return b.step("AT+JOIN", "+JOIN: Start\r\n+JOIN: NORMAL\r\n+JOIN: Network joined\r\n+JOIN: Done\r\n")
}

// Close ends the session; pending reads see io.EOF.
func (b *MockSequenceBuilder) Close() *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Close().DoAndReturn(func() error {
			close(b.replies)
			return nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}
