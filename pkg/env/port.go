package env

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/tarm/serial"
	"golang.org/x/net/websocket"
)

// DefaultBaud is the baud rate of serial ports without a baud parameter.
const DefaultBaud = 57600

// ErrUnknownScheme indicates a port URL with an unsupported scheme.
var ErrUnknownScheme = errors.New("unknown port scheme")

// OpenPort opens a byte stream by URL:
//
//	serial:///dev/ttyUSB0?baud=57600&parity=N&stop=1
//	tcp://host:port
//	unix:///run/moatbus.sock
//	ws://host:port/path
func OpenPort(rawURL string) (io.ReadWriteCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid port URL: %v", err)
	}
	switch u.Scheme {
	case "serial":
		conf, err := SerialConfig(u)
		if err != nil {
			return nil, err
		}
		port, err := serial.OpenPort(conf)
		if err != nil {
			return nil, err
		}
		return port, nil
	case "tcp":
		return net.Dial("tcp", u.Host)
	case "unix":
		return net.Dial("unix", u.Path)
	case "ws", "wss":
		origin := "http://" + u.Host
		if u.Scheme == "wss" {
			origin = "https://" + u.Host
		}
		conn, err := websocket.Dial(u.String(), "", origin)
		if err != nil {
			return nil, err
		}
		conn.PayloadType = websocket.BinaryFrame
		return conn, nil
	default:
		return nil, ErrUnknownScheme
	}
}

// Listen creates a listener for tcp:// or unix:// URLs.
func Listen(rawURL string) (net.Listener, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listen URL: %v", err)
	}
	switch u.Scheme {
	case "tcp":
		return net.Listen("tcp", u.Host)
	case "unix":
		return net.Listen("unix", u.Path)
	default:
		return nil, ErrUnknownScheme
	}
}

// SerialConfig builds the port configuration of a serial:// URL.
func SerialConfig(u *url.URL) (*serial.Config, error) {
	conf := &serial.Config{Name: u.Path, Baud: DefaultBaud}
	if conf.Name == "" {
		conf.Name = u.Opaque
	}
	q := u.Query()
	if val := q.Get("baud"); val != "" {
		baud, err := strconv.Atoi(val)
		if err != nil || baud <= 0 {
			return nil, fmt.Errorf("invalid baud rate %q", val)
		}
		conf.Baud = baud
	}
	switch strings.ToUpper(q.Get("parity")) {
	case "", "N":
		conf.Parity = serial.ParityNone
	case "E":
		conf.Parity = serial.ParityEven
	case "O":
		conf.Parity = serial.ParityOdd
	default:
		return nil, fmt.Errorf("invalid parity %q", q.Get("parity"))
	}
	switch q.Get("stop") {
	case "", "1":
		conf.StopBits = serial.Stop1
	case "2":
		conf.StopBits = serial.Stop2
	default:
		return nil, fmt.Errorf("invalid stop bits %q", q.Get("stop"))
	}
	return conf, nil
}
