package fakebus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/moatbus.go/pkg/bus"
)

func startServer(t *testing.T) (*Server, context.CancelFunc) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(l)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return s, cancel
}

func dial(t *testing.T, s *Server) net.Conn {
	conn, err := net.Dial("tcp", s.Listener.Addr().String())
	require.NoError(t, err)
	return conn
}

func expectWire(t *testing.T, conn net.Conn, bits uint8) {
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, bits, buf[0])
}

func TestServerCombinesWires(t *testing.T) {
	s, cancel := startServer(t)
	defer cancel()
	a, b := dial(t, s), dial(t, s)
	defer a.Close()
	defer b.Close()
	expectWire(t, a, 0)
	expectWire(t, b, 0)

	steps := []struct {
		conn net.Conn
		out  uint8
		bus  uint8
	}{
		{a, 1, 1},
		{b, 2, 3},
		{a, 0, 2},
		{b, 4, 4},
		{b, 0, 0},
	}
	for _, st := range steps {
		_, err := st.conn.Write([]byte{st.out})
		require.NoError(t, err)
		expectWire(t, a, st.bus)
		expectWire(t, b, st.bus)
	}
}

func TestServerReleasesOnDisconnect(t *testing.T) {
	s, cancel := startServer(t)
	defer cancel()
	a, b := dial(t, s), dial(t, s)
	defer b.Close()
	expectWire(t, a, 0)
	expectWire(t, b, 0)

	_, err := a.Write([]byte{5})
	require.NoError(t, err)
	expectWire(t, b, 5)
	a.Close()
	expectWire(t, b, 0)
}

func TestNodeTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("runs in real time")
	}
	s, cancel := startServer(t)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	received := make(chan *bus.Message, 1)
	nodes := make([]*Node, 0, 2)
	for _, addr := range []bus.Addr{1, 2} {
		conn := dial(t, s)
		defer conn.Close()
		nodes = append(nodes, NewNode(conn, 3, addr))
	}
	nodes[1].Receive = func(m *bus.Message) {
		received <- m
	}
	for _, n := range nodes {
		go n.Run(ctx)
	}

	m, err := bus.NewMessageWith(1, 2, 7, []byte("over the wire"))
	require.NoError(t, err)
	sendCtx, sendCancel := context.WithTimeout(ctx, 20*time.Second)
	defer sendCancel()
	res, err := nodes[0].Send(sendCtx, m)
	require.NoError(t, err)
	require.Equal(t, bus.ResultSuccess, res)

	select {
	case m := <-received:
		require.Equal(t, bus.Addr(1), m.Src)
		require.Equal(t, uint8(7), m.Code)
		require.Equal(t, []byte("over the wire"), append([]byte{}, m.Data()...))
	case <-time.After(time.Second):
		t.Fatal("expect message timeout")
	}

	stats, err := nodes[0].Stats(sendCtx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Sent)
}

func TestNodeRejectsInvalidMessage(t *testing.T) {
	s, cancel := startServer(t)
	defer cancel()
	conn := dial(t, s)
	defer conn.Close()
	n := NewNode(conn, 2, 1)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go n.Run(ctx)

	m, err := bus.NewMessageWith(bus.AddrBroadcast, bus.AddrBroadcast, 9, nil)
	require.NoError(t, err)
	_, err = n.Send(ctx, m)
	require.Equal(t, bus.ErrInvalidHeader, err)
}

func TestRealTiming(t *testing.T) {
	rt := RealTiming{Break: time.Millisecond, Unit: 10 * time.Millisecond}
	require.Equal(t, time.Duration(0), rt.Duration(bus.TimeoutOff))
	require.Equal(t, time.Millisecond, rt.Duration(bus.TimeoutBreak))
	require.Equal(t, 40*time.Millisecond, rt.Duration(bus.TimeoutZero))
}
