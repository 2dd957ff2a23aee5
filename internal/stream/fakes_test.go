package stream

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"
)

type msg struct {
	Channel string
	Seq     int64
	Body    string
}

type note struct {
	Key  string
	Body string
}

func (note) IsEvent() {}

type other struct{}

func (other) IsEvent() {}

type fakeFrame struct {
	m   msg
	err error
}

type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	pings       int
	sent        []any
	connectErr  error
	sendErr     error
	lastRecv    time.Time

	frames chan fakeFrame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan fakeFrame, 64)}
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		return t.connectErr
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	t.connected = false
	return nil
}

func (t *fakeTransport) Send(_ context.Context, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	if !t.connected {
		return errors.New("not connected")
	}
	t.sent = append(t.sent, payload)
	return nil
}

func (t *fakeTransport) Ping(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return nil
}

func (t *fakeTransport) IterMessages(ctx context.Context) iter.Seq2[msg, error] {
	return func(yield func(msg, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-t.frames:
				t.mu.Lock()
				t.lastRecv = time.Now()
				t.mu.Unlock()
				if !yield(f.m, f.err) || f.err != nil {
					return
				}
			}
		}
	}
}

func (t *fakeTransport) LastRecvTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRecv
}

func (t *fakeTransport) counts() (connects, disconnects, pings int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects, t.disconnects, t.pings
}

func (t *fakeTransport) payloads() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]any(nil), t.sent...)
}

type subMsg struct {
	Action  string
	Channel string
	Pair    string
}

func recordingBuilder(_ context.Context, action Action, channel, pair string) (any, error) {
	return subMsg{Action: action.String(), Channel: channel, Pair: pair}, nil
}
