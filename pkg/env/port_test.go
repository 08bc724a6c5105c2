package env

import (
	"io"
	"io/ioutil"
	"net"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"
	"golang.org/x/net/websocket"
)

func echo(t *testing.T, l net.Listener) {
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
}

func roundTrip(t *testing.T, port io.ReadWriteCloser) {
	defer port.Close()
	_, err := port.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(port, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, buf)
}

func TestOpenPortTCP(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	echo(t, l)
	port, err := OpenPort("tcp://" + l.Addr().String())
	require.NoError(t, err)
	roundTrip(t, port)
}

func TestOpenPortUnix(t *testing.T) {
	dir, err := ioutil.TempDir("", "moatbus")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "bus.sock")
	l, err := Listen("unix://" + path)
	require.NoError(t, err)
	defer l.Close()
	echo(t, l)
	port, err := OpenPort("unix://" + path)
	require.NoError(t, err)
	roundTrip(t, port)
}

func TestOpenPortWebSocket(t *testing.T) {
	srv := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		io.Copy(conn, conn)
	}))
	defer srv.Close()
	port, err := OpenPort("ws://" + strings.TrimPrefix(srv.URL, "http://") + "/link")
	require.NoError(t, err)
	roundTrip(t, port)
}

func TestOpenPortErrors(t *testing.T) {
	_, err := OpenPort("ftp://host/file")
	require.Equal(t, ErrUnknownScheme, err)
	_, err = Listen("ws://host/")
	require.Equal(t, ErrUnknownScheme, err)
	_, err = OpenPort("serial:///dev/null?baud=fast")
	require.Error(t, err)
}

func TestSerialConfig(t *testing.T) {
	testCases := []struct {
		url      string
		expected *serial.Config
	}{
		{"serial:///dev/ttyUSB0", &serial.Config{Name: "/dev/ttyUSB0", Baud: DefaultBaud, Parity: serial.ParityNone, StopBits: serial.Stop1}},
		{"serial:///dev/ttyS1?baud=9600&parity=e&stop=2", &serial.Config{Name: "/dev/ttyS1", Baud: 9600, Parity: serial.ParityEven, StopBits: serial.Stop2}},
		{"serial:COM3?parity=O", &serial.Config{Name: "COM3", Baud: DefaultBaud, Parity: serial.ParityOdd, StopBits: serial.Stop1}},
	}
	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			u, err := url.Parse(tc.url)
			require.NoError(t, err)
			conf, err := SerialConfig(u)
			require.NoError(t, err)
			require.Equal(t, tc.expected, conf)
		})
	}

	for _, bad := range []string{"serial:///dev/x?parity=X", "serial:///dev/x?stop=3", "serial:///dev/x?baud=-1"} {
		u, err := url.Parse(bad)
		require.NoError(t, err)
		_, err = SerialConfig(u)
		require.Error(t, err, bad)
	}
}

func TestConfigValidate(t *testing.T) {
	c := NewConfig()
	c.Wires, c.Addr = 3, 5
	require.NoError(t, c.Validate())
	c.Addr = -4
	require.NoError(t, c.Validate())
	c.Addr = 200
	require.Error(t, c.Validate())
	c.Addr, c.Wires = 5, 5
	require.Error(t, c.Validate())
}

func TestQueueOptions(t *testing.T) {
	c := NewConfig()
	c.MQTTURL = "mqtt://broker:1884/site/"
	opts, err := c.QueueOptions("moatgw")
	require.NoError(t, err)
	require.Equal(t, "site/", opts.TopicPrefix)
	require.True(t, strings.HasPrefix(opts.Client.ClientID, "moatgw:"))

	c.MQTTURL = "mqtt://broker/?client-id=fixed"
	opts, err = c.QueueOptions("moatgw")
	require.NoError(t, err)
	require.Equal(t, "fixed", opts.Client.ClientID)
}
