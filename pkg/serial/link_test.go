package serial

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/moatbus.go/pkg/bus"
)

type testStream struct {
	readCh  chan []byte
	writeCh chan byte
	lock    sync.Mutex
	closed  bool
}

func newTestStream() *testStream {
	return &testStream{
		readCh:  make(chan []byte, 16),
		writeCh: make(chan byte, 1024),
	}
}

func (s *testStream) Read(p []byte) (int, error) {
	b, ok := <-s.readCh
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (s *testStream) Write(p []byte) (int, error) {
	for _, b := range p {
		s.writeCh <- b
	}
	return len(p), nil
}

func (s *testStream) inject(p []byte) {
	s.readCh <- p
}

func (s *testStream) close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.closed {
		s.closed = true
		close(s.readCh)
	}
}

func (s *testStream) expectBytes(t *testing.T, n int) []byte {
	var out []byte
	for len(out) < n {
		select {
		case b := <-s.writeCh:
			out = append(out, b)
		case <-time.After(time.Second):
			t.Fatalf("expect %d bytes, got %d", n, len(out))
		}
	}
	return out
}

func startLink() (*Link, *testStream, chan *bus.Message, chan error) {
	stream := newTestStream()
	link := NewLink(stream)
	link.IdleInterval = time.Millisecond
	msgCh := make(chan *bus.Message, 4)
	link.Handler = HandleMessageFunc(func(ctx context.Context, m *bus.Message) {
		msgCh <- m
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- link.Run(context.Background())
	}()
	return link, stream, msgCh, errCh
}

func TestLinkReceive(t *testing.T) {
	_, stream, msgCh, _ := startLink()
	defer stream.close()
	frame := frameOf(t, 1, 2, 3, bus.PrioHigh, []byte("ping"))
	stream.inject(frame[:4])
	stream.inject(frame[4:])
	select {
	case m := <-msgCh:
		require.Equal(t, bus.Addr(1), m.Src)
		require.Equal(t, bus.Addr(2), m.Dst)
		require.Equal(t, []byte("ping"), append([]byte{}, m.Data()...))
	case <-time.After(time.Second):
		t.Fatal("expect message timeout")
	}
	require.Equal(t, []byte{ByteAck}, stream.expectBytes(t, 1))
}

func TestLinkSend(t *testing.T) {
	link, stream, _, _ := startLink()
	defer stream.close()
	m, err := bus.NewMessageWith(4, 5, 6, []byte("pong"))
	require.NoError(t, err)
	expected := frameOf(t, 4, 5, 6, bus.PrioLow, []byte("pong"))
	require.NoError(t, link.Send(m))
	require.Equal(t, expected, stream.expectBytes(t, len(expected)))
}

func TestLinkDropsStalledFrame(t *testing.T) {
	link, stream, msgCh, _ := startLink()
	defer stream.close()
	frame := frameOf(t, 1, 2, 3, bus.PrioHigh, []byte("late"))
	stream.inject(frame[:5])
	deadline := time.Now().Add(time.Second)
	for link.Stats().Lost == 0 {
		require.True(t, time.Now().Before(deadline), "expect frame dropped")
		time.Sleep(time.Millisecond)
	}
	stream.inject(frame)
	select {
	case m := <-msgCh:
		require.Equal(t, []byte("late"), append([]byte{}, m.Data()...))
	case <-time.After(time.Second):
		t.Fatal("expect message timeout")
	}
}

func TestLinkStreamError(t *testing.T) {
	_, stream, _, errCh := startLink()
	defer stream.close()
	stream.close()
	select {
	case err := <-errCh:
		require.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("expect error timeout")
	}
}
