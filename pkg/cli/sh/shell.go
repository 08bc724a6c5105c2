// Package sh is the interactive shell of moatcli.
package sh

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/moatbus.go/pkg/bus"
	"github.com/robotalks/moatbus.go/pkg/env"
	"github.com/robotalks/moatbus.go/pkg/fakebus"
	"github.com/robotalks/moatbus.go/pkg/serial"
)

// Endpoint is where the shell sends messages to.
type Endpoint interface {
	// Send transmits a message and describes the outcome.
	Send(context.Context, *bus.Message) (string, error)
	// Stats describes the counters.
	Stats(context.Context) (string, error)
}

// Shell provides an ishell backed interactive shell.
type Shell struct {
	Interactive bool
	AutoConnect bool

	Shell  *ishell.Shell
	Config *env.Config
	Conn   *Conn
}

// Conn is a running connection.
type Conn struct {
	Name     string
	Cancel   func()
	Endpoint Endpoint
	Recv     chan *bus.Message
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "
	recvQueue         = 64
)

var (
	evalOnly bool

	commands = []*ishell.Cmd{
		&ConnectCmd,
		&AttachCmd,
		&DisconnectCmd,
		&SendCmd,
		&RecvCmd,
		&StatsCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
}

// New creates a new shell.
func New(conf *env.Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		Shell:       ishell.New(),
		Config:      conf,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeConnected wraps command func requires a connection.
func MustBeConnected(fn func(c *ishell.Context, conn *Conn)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		conn := ShellFrom(c).Conn
		if conn == nil {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		fn(c, conn)
	}
}

// WithAutoConnect sets AutoConnect.
func (s *Shell) WithAutoConnect(en bool) *Shell {
	s.AutoConnect = en
	return s
}

func (s *Shell) start(name string, port io.ReadWriteCloser, run func(context.Context) error, ep Endpoint, recv chan *bus.Message) {
	s.Disconnect()
	ctx, cancel := context.WithCancel(context.Background())
	s.Conn = &Conn{Name: name, Cancel: cancel, Endpoint: ep, Recv: recv}
	go func() {
		err := run(ctx)
		port.Close()
		if err != nil && err != context.Canceled {
			s.Shell.Printf("%s: %v\n", name, err)
		}
	}()
	s.Shell.SetPrompt(name + " > ")
}

// Connect opens a serial link.
func (s *Shell) Connect(url string) error {
	port, err := env.OpenPort(url)
	if err != nil {
		return err
	}
	recv := make(chan *bus.Message, recvQueue)
	link := serial.NewLink(port)
	link.Handler = serial.HandleMessageFunc(func(_ context.Context, m *bus.Message) {
		deliver(recv, m)
	})
	s.start(url, port, link.Run, &linkEndpoint{link: link}, recv)
	return nil
}

// Attach joins a fake bus as node addr.
func (s *Shell) Attach(url string, addr bus.Addr) error {
	port, err := env.OpenPort(url)
	if err != nil {
		return err
	}
	recv := make(chan *bus.Message, recvQueue)
	node := fakebus.NewNode(port, s.Config.Wires, addr)
	node.Receive = func(m *bus.Message) {
		deliver(recv, m)
	}
	s.start(fmt.Sprintf("%s@%v", url, addr), port, node.Run, &nodeEndpoint{node: node}, recv)
	return nil
}

func deliver(recv chan *bus.Message, m *bus.Message) {
	select {
	case recv <- m:
	default:
		m.Free()
	}
}

// Disconnect closes the current connection.
func (s *Shell) Disconnect() {
	if s.Conn != nil {
		s.Conn.Cancel()
		s.Conn = nil
		s.Shell.SetPrompt(unconnectedPrompt)
	}
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if s.AutoConnect && s.Config.Port != "" {
		if err := s.Connect(s.Config.Port); err != nil {
			log.Fatalf("connect %q failed: %v", s.Config.Port, err)
		}
	}
	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

type linkEndpoint struct {
	link *serial.Link
}

func (e *linkEndpoint) Send(_ context.Context, m *bus.Message) (string, error) {
	if err := e.link.Send(m); err != nil {
		return "", err
	}
	return "queued", nil
}

func (e *linkEndpoint) Stats(context.Context) (string, error) {
	st := e.link.Stats()
	return fmt.Sprintf("acks:%d crc:%d lost:%d spurious:%d overflow:%d invalid:%d",
		st.AckIn, st.CRC, st.Lost, st.Spurious, st.Overflow, st.Invalid), nil
}

type nodeEndpoint struct {
	node *fakebus.Node
}

func (e *nodeEndpoint) Send(ctx context.Context, m *bus.Message) (string, error) {
	res, err := e.node.Send(ctx, m)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

func (e *nodeEndpoint) Stats(ctx context.Context) (string, error) {
	st, err := e.node.Stats(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("sent:%d failed:%d received:%d crc:%d collisions:%d lost:%d retries:%d errors:%d",
		st.Sent, st.Failed, st.Received, st.CRCErrors, st.Collisions,
		st.LostArbitration, st.Retries, st.Errors), nil
}

// ParseMessage builds a message from DST CODE [DATA...].
// Numeric data arguments (e.g. 0x1f, 12) are single bytes,
// anything else is taken as text.
func ParseMessage(src bus.Addr, args []string) (*bus.Message, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("DST CODE expected")
	}
	dst, err := bus.ParseAddr(args[0])
	if err != nil {
		return nil, err
	}
	code, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid code %q", args[1])
	}
	var data []byte
	for _, arg := range args[2:] {
		if v, err := strconv.ParseUint(arg, 0, 8); err == nil {
			data = append(data, byte(v))
		} else {
			data = append(data, arg...)
		}
	}
	if err := bus.CheckHeader(src, dst, uint8(code)); err != nil {
		return nil, err
	}
	return bus.NewMessageWith(src, dst, uint8(code), data)
}

var (
	// ConnectCmd opens a serial link.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "[URL]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			url := s.Config.Port
			if len(c.Args) > 0 {
				url = c.Args[0]
			}
			if err := s.Connect(url); err != nil {
				c.Err(err)
			}
		},
	}

	// AttachCmd joins a fake bus.
	AttachCmd = ishell.Cmd{
		Name: "attach",
		Help: "[URL [ADDR]]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			url, addr := s.Config.Bus, s.Config.BusAddr()
			if len(c.Args) > 0 {
				url = c.Args[0]
			}
			if len(c.Args) > 1 {
				a, err := bus.ParseAddr(c.Args[1])
				if err != nil {
					c.Err(err)
					return
				}
				addr = a
			}
			if err := s.Attach(url, addr); err != nil {
				c.Err(err)
			}
		},
	}

	// DisconnectCmd closes the connection.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}

	// SendCmd sends a message.
	SendCmd = ishell.Cmd{
		Name:    "send",
		Aliases: []string{"s"},
		Help:    "DST CODE [DATA...]",
		Func: MustBeConnected(func(c *ishell.Context, conn *Conn) {
			m, err := ParseMessage(ShellFrom(c).Config.BusAddr(), c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			res, err := conn.Endpoint.Send(ctx, m)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(res)
		}),
	}

	// RecvCmd prints received messages.
	RecvCmd = ishell.Cmd{
		Name:    "recv",
		Aliases: []string{"r"},
		Help:    "[TIMEOUT]",
		Func: MustBeConnected(func(c *ishell.Context, conn *Conn) {
			timeout := time.Second
			if len(c.Args) > 0 {
				d, err := time.ParseDuration(c.Args[0])
				if err != nil {
					c.Err(err)
					return
				}
				timeout = d
			}
			select {
			case m := <-conn.Recv:
				c.Println(m.String())
				m.Free()
			case <-time.After(timeout):
				c.Err(fmt.Errorf("nothing received"))
			}
		}),
	}

	// StatsCmd prints the counters.
	StatsCmd = ishell.Cmd{
		Name: "stats",
		Func: MustBeConnected(func(c *ishell.Context, conn *Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			out, err := conn.Endpoint.Stats(ctx)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(out)
		}),
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New(env.NewConfig()).WithAutoConnect(true).Run(flag.Args()...)
}
