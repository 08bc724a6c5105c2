package serial

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/moatbus.go/pkg/bus"
)

// MessageHandler is called when a message is received.
type MessageHandler interface {
	HandleMessage(context.Context, *bus.Message)
}

// HandleMessageFunc is func type of MessageHandler.
type HandleMessageFunc func(context.Context, *bus.Message)

// HandleMessage implements MessageHandler.
func (f HandleMessageFunc) HandleMessage(ctx context.Context, m *bus.Message) {
	f(ctx, m)
}

// Link runs a Framer over a byte stream.
type Link struct {
	ReadWriter io.ReadWriter
	Handler    MessageHandler
	// IdleInterval is the period of Framer.Idle calls.
	IdleInterval time.Duration

	framer *Framer
	lock   sync.Mutex
	kick   chan struct{}
}

// NewLink creates a Link.
func NewLink(rw io.ReadWriter) *Link {
	return &Link{
		ReadWriter:   rw,
		IdleInterval: 10 * time.Millisecond,
		framer:       NewFramer(),
		kick:         make(chan struct{}, 1),
	}
}

// Send queues a message, it is written by Run.
func (l *Link) Send(m *bus.Message) error {
	l.lock.Lock()
	err := l.framer.Send(m)
	l.lock.Unlock()
	if err != nil {
		return err
	}
	select {
	case l.kick <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns the framer counters.
func (l *Link) Stats() Stats {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.framer.Stats()
}

// Run processes the link until ctx is done or the stream fails.
func (l *Link) Run(ctx context.Context) error {
	dataCh, errCh := make(chan []byte, 8), make(chan error, 1)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.readLoop(subCtx, dataCh, errCh)

	ticker := time.NewTicker(l.IdleInterval)
	defer ticker.Stop()
	if err := l.flush(); err != nil {
		return err
	}
	for {
		var received []*bus.Message
		select {
		case data := <-dataCh:
			received = l.input(data)
		case <-ticker.C:
			l.lock.Lock()
			before := l.framer.Stats()
			l.framer.Idle()
			l.logStats(before)
			l.lock.Unlock()
		case <-l.kick:
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := l.flush(); err != nil {
			return err
		}
		for _, m := range received {
			glog.V(2).Infof("serial: recv %v", m)
			if h := l.Handler; h != nil {
				h.HandleMessage(ctx, m)
			}
		}
	}
}

func (l *Link) input(data []byte) (received []*bus.Message) {
	l.lock.Lock()
	defer l.lock.Unlock()
	before := l.framer.Stats()
	for _, c := range data {
		l.framer.ByteIn(c)
	}
	l.logStats(before)
	if n := l.framer.RecvAck(); n > 0 {
		glog.V(4).Infof("serial: %d ack", n)
	}
	for m := l.framer.Recv(); m != nil; m = l.framer.Recv() {
		received = append(received, m)
	}
	return
}

func (l *Link) logStats(before Stats) {
	after := l.framer.Stats()
	if after.CRC > before.CRC {
		glog.Warningf("serial: CRC error")
	}
	if after.Lost > before.Lost {
		glog.Warningf("serial: incomplete frame dropped")
	}
	if after.Overflow > before.Overflow {
		glog.Warningf("serial: receive overflow")
	}
	if after.Invalid > before.Invalid {
		glog.Warningf("serial: invalid header")
	}
	if n := after.Spurious - before.Spurious; n > 0 {
		glog.V(4).Infof("serial: %d spurious bytes", n)
	}
}

func (l *Link) flush() error {
	l.lock.Lock()
	var out []byte
	for l.framer.Pending() {
		c, ok := l.framer.ByteOut()
		if !ok {
			break
		}
		out = append(out, c)
	}
	l.lock.Unlock()
	if len(out) == 0 {
		return nil
	}
	_, err := l.ReadWriter.Write(out)
	return err
}

func (l *Link) readLoop(ctx context.Context, dataCh chan []byte, errCh chan error) {
	buf := make([]byte, 64)
	for {
		n, err := l.ReadWriter.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case dataCh <- data:
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
