package fakebus

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
)

const clientQueue = 64

// Server is a bus shared by socket clients.
type Server struct {
	Listener net.Listener
	// Delay is the propagation delay of a change.
	Delay time.Duration
	// MaxDelay adds a random extra delay up to this value.
	MaxDelay time.Duration

	lock    sync.Mutex
	clients map[*client]struct{}
	bits    uint8
	pending bool
	rnd     *rand.Rand
}

type client struct {
	conn net.Conn
	bits uint8
	out  chan byte
}

// NewServer creates a Server accepting clients from l.
func NewServer(l net.Listener) *Server {
	return &Server{
		Listener: l,
		clients:  make(map[*client]struct{}),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Bits returns the current bus state.
func (s *Server) Bits() uint8 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.bits
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.clients)
}

// Run accepts clients until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Listener.Close()
	}()
	glog.Infof("fakebus: listening on %s", s.Listener.Addr())
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serve(ctx, conn)
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	c := &client{conn: conn, out: make(chan byte, clientQueue)}
	s.lock.Lock()
	s.clients[c] = struct{}{}
	c.out <- s.bits
	s.lock.Unlock()
	glog.V(2).Infof("fakebus: client %s connected", conn.RemoteAddr())

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.writeLoop(subCtx, c)

	buf := make([]byte, 16)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.setBits(c, buf[n-1])
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				glog.Warningf("fakebus: client %s: %v", conn.RemoteAddr(), err)
			}
			break
		}
	}
	s.lock.Lock()
	delete(s.clients, c)
	s.lock.Unlock()
	conn.Close()
	s.schedule()
	glog.V(2).Infof("fakebus: client %s disconnected", conn.RemoteAddr())
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.out:
			if _, err := c.conn.Write([]byte{b}); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (s *Server) setBits(c *client, bits uint8) {
	s.lock.Lock()
	c.bits = bits
	s.lock.Unlock()
	glog.V(4).Infof("fakebus: %s wire %x", c.conn.RemoteAddr(), bits)
	s.schedule()
}

func (s *Server) schedule() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pending {
		return
	}
	s.pending = true
	delay := s.Delay
	if s.MaxDelay > 0 {
		delay += time.Duration(s.rnd.Int63n(int64(s.MaxDelay)))
	}
	time.AfterFunc(delay, s.broadcast)
}

func (s *Server) broadcast() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pending = false
	var bits uint8
	for c := range s.clients {
		bits |= c.bits
	}
	if bits == s.bits {
		return
	}
	s.bits = bits
	glog.V(4).Infof("fakebus: bus %x", bits)
	for c := range s.clients {
		select {
		case c.out <- bits:
		default:
			glog.Warningf("fakebus: client %s too slow, dropped", c.conn.RemoteAddr())
			c.conn.Close()
		}
	}
}
