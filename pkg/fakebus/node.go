package fakebus

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/moatbus.go/pkg/bus"
)

// ErrNodeStopped indicates the node is no longer running.
var ErrNodeStopped = errors.New("node stopped")

// RealTiming maps handler timeouts to durations.
type RealTiming struct {
	Break time.Duration
	Unit  time.Duration
}

// DefaultRealTiming suits a local socket bus.
var DefaultRealTiming = RealTiming{Break: 5 * time.Millisecond, Unit: 20 * time.Millisecond}

// Duration converts a timeout, 0 means off.
func (t RealTiming) Duration(v bus.Timeout) time.Duration {
	switch v {
	case bus.TimeoutOff:
		return 0
	case bus.TimeoutBreak:
		return t.Break
	}
	return time.Duration(v-1) * t.Unit
}

type sendReq struct {
	msg    *bus.Message
	result chan bus.Result
	err    chan error
}

// Node runs a bus handler attached to a Server connection.
// All handler calls happen in the Run goroutine.
type Node struct {
	Conn   io.ReadWriter
	Wires  uint
	Addr   bus.Addr
	Timing RealTiming
	// Receive gets messages addressed to Addr or broadcast.
	Receive func(*bus.Message)

	handler *bus.Handler
	wire    uint8
	timer   *time.Timer
	timerCh <-chan time.Time
	err     error
	sendCh  chan *sendReq
	statsCh chan chan bus.Stats
	done    chan struct{}
	waiting map[*bus.Message]*sendReq
}

// NewNode creates a Node.
func NewNode(conn io.ReadWriter, wires uint, addr bus.Addr) *Node {
	return &Node{
		Conn:    conn,
		Wires:   wires,
		Addr:    addr,
		Timing:  DefaultRealTiming,
		sendCh:  make(chan *sendReq),
		statsCh: make(chan chan bus.Stats),
		done:    make(chan struct{}),
		waiting: make(map[*bus.Message]*sendReq),
	}
}

// Send transmits m and waits for the outcome.
func (n *Node) Send(ctx context.Context, m *bus.Message) (bus.Result, error) {
	req := &sendReq{msg: m, result: make(chan bus.Result, 1), err: make(chan error, 1)}
	select {
	case n.sendCh <- req:
	case <-n.done:
		return bus.ResultFatal, ErrNodeStopped
	case <-ctx.Done():
		return bus.ResultFatal, ctx.Err()
	}
	select {
	case res := <-req.result:
		return res, nil
	case err := <-req.err:
		return bus.ResultFatal, err
	case <-n.done:
		return bus.ResultFatal, ErrNodeStopped
	case <-ctx.Done():
		return bus.ResultFatal, ctx.Err()
	}
}

// Stats returns the handler counters.
func (n *Node) Stats(ctx context.Context) (bus.Stats, error) {
	ch := make(chan bus.Stats, 1)
	select {
	case n.statsCh <- ch:
	case <-n.done:
		return bus.Stats{}, ErrNodeStopped
	case <-ctx.Done():
		return bus.Stats{}, ctx.Err()
	}
	return <-ch, nil
}

// Run processes the node until ctx is done or the connection fails.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.done)
	wireCh, errCh := make(chan uint8, 16), make(chan error, 1)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go n.readLoop(subCtx, wireCh, errCh)

	// the server announces the bus state first
	select {
	case n.wire = <-wireCh:
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	h, err := bus.NewHandler(n.Wires, n)
	if err != nil {
		return err
	}
	n.handler = h
	for n.err == nil {
		select {
		case bits := <-wireCh:
			n.wire = bits
			h.Wire(bits)
		case <-n.timerCh:
			n.timerCh = nil
			h.Timeout()
		case req := <-n.sendCh:
			if err := h.Send(req.msg); err != nil {
				req.err <- err
			} else {
				n.waiting[req.msg] = req
			}
		case ch := <-n.statsCh:
			ch <- h.Stats()
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return n.err
}

func (n *Node) readLoop(ctx context.Context, wireCh chan uint8, errCh chan error) {
	buf := make([]byte, 16)
	for {
		cnt, err := n.Conn.Read(buf)
		for _, b := range buf[:cnt] {
			select {
			case wireCh <- b:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

// SetTimeout implements bus.Callbacks.
func (n *Node) SetTimeout(v bus.Timeout) {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.timerCh = nil
	if d := n.Timing.Duration(v); d > 0 {
		n.timer = time.NewTimer(d)
		n.timerCh = n.timer.C
	}
}

// SetWire implements bus.Callbacks.
func (n *Node) SetWire(bits uint8) {
	if n.err != nil {
		return
	}
	_, n.err = n.Conn.Write([]byte{bits})
}

// GetWire implements bus.Callbacks.
func (n *Node) GetWire() uint8 {
	return n.wire
}

// Process implements bus.Callbacks.
func (n *Node) Process(m *bus.Message) bool {
	if m.Dst != n.Addr && m.Dst != bus.AddrBroadcast {
		glog.V(4).Infof("fakebus: %v ignores %v", n.Addr, m)
		return false
	}
	glog.V(2).Infof("fakebus: %v recv %v", n.Addr, m)
	if n.Receive != nil {
		n.Receive(m)
	}
	return true
}

// Transmitted implements bus.Callbacks.
func (n *Node) Transmitted(m *bus.Message, res bus.Result) {
	glog.V(2).Infof("fakebus: %v sent %v: %v", n.Addr, m, res)
	if req, ok := n.waiting[m]; ok {
		delete(n.waiting, m)
		req.result <- res
	}
}

// Debug implements bus.Callbacks.
func (n *Node) Debug(format string, args ...interface{}) {
	if glog.V(4) {
		glog.Infof("fakebus: %v "+format, append([]interface{}{n.Addr}, args...)...)
	}
}

// ReportError implements bus.Callbacks.
func (n *Node) ReportError(err bus.Error) {
	if err.IsFatal() {
		glog.Warningf("fakebus: %v: %v", n.Addr, err)
	} else {
		glog.V(3).Infof("fakebus: %v: %v", n.Addr, err)
	}
}
