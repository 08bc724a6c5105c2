// Package env sets up the environment of the commands.
package env

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/robotalks/moatbus.go/pkg/bus"
	"github.com/robotalks/moatbus.go/pkg/gateway/mqtt"
)

// Config provides common options of the commands.
type Config struct {
	// Port is the URL of the serial link, see OpenPort.
	Port string
	// MQTTURL specifies the MQTT broker.
	// e.g. mqtt://host:port/topic-prefix
	MQTTURL string
	// Bus is the URL of the fake bus.
	Bus   string
	Wires uint
	Addr  int
}

var defaultConfig = Config{
	Port:    "serial:///dev/ttyUSB0",
	MQTTURL: "mqtt://localhost:1883/moat/bus/",
	Bus:     "unix:///tmp/moatbus",
	Wires:   3,
	Addr:    int(bus.ServerAddr(1)),
}

func init() {
	if val := os.Getenv("MOATBUS_PORT"); val != "" {
		defaultConfig.Port = val
	}
	if val := os.Getenv("MOATBUS_MQTT_URL"); val != "" {
		defaultConfig.MQTTURL = val
	}
	if val := os.Getenv("MOATBUS_BUS"); val != "" {
		defaultConfig.Bus = val
	}
	if val, err := strconv.ParseUint(os.Getenv("MOATBUS_WIRES"), 10, 8); err == nil {
		defaultConfig.Wires = uint(val)
	}
	if val, err := strconv.Atoi(os.Getenv("MOATBUS_ADDR")); err == nil {
		defaultConfig.Addr = val
	}
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.Port, "port", defaultConfig.Port, "Serial link URL (serial, tcp, unix, ws).")
	flag.StringVar(&defaultConfig.MQTTURL, "mqtt", defaultConfig.MQTTURL, "MQTT broker URL.")
	flag.StringVar(&defaultConfig.Bus, "bus", defaultConfig.Bus, "Fake bus URL (tcp, unix).")
	flag.UintVar(&defaultConfig.Wires, "wires", defaultConfig.Wires, "Number of bus wires.")
	flag.IntVar(&defaultConfig.Addr, "addr", defaultConfig.Addr, "Own bus address.")
}

// Default gets the default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// Validate checks the bus parameters.
func (c *Config) Validate() error {
	if c.Wires < 2 || c.Wires > 4 {
		return fmt.Errorf("wires must be 2..4, not %d", c.Wires)
	}
	if !c.BusAddr().Valid() || c.Addr != int(c.BusAddr()) {
		return fmt.Errorf("invalid bus address %d", c.Addr)
	}
	return nil
}

// BusAddr returns Addr as a bus address.
func (c *Config) BusAddr() bus.Addr {
	return bus.Addr(c.Addr)
}

// OpenPort opens the serial link.
func (c *Config) OpenPort() (io.ReadWriteCloser, error) {
	return OpenPort(c.Port)
}

// MustOpenPort opens the serial link and fails on error.
func (c *Config) MustOpenPort() io.ReadWriteCloser {
	port, err := c.OpenPort()
	if err != nil {
		log.Fatalln(err)
	}
	return port
}

// QueueOptions parses MQTTURL, the client ID defaults to one derived
// from the machine ID.
func (c *Config) QueueOptions(name string) (*mqtt.Options, error) {
	opts, err := mqtt.ParseURL(c.MQTTURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL: %v", err)
	}
	if opts.Client.ClientID == "" {
		opts.Client.SetClientID(name + ":" + MachineID())
	}
	return opts, nil
}

// MustNewQueue creates an MQTT queue and fails on error.
// The setup funcs may adjust the options before the client is created.
func (c *Config) MustNewQueue(name string, setup ...func(*mqtt.Options)) *mqtt.Queue {
	opts, err := c.QueueOptions(name)
	if err != nil {
		log.Fatalln(err)
	}
	for _, fn := range setup {
		fn(opts)
	}
	return mqtt.NewQueue(opts)
}
