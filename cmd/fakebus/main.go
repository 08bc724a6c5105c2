package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"log"
	"net"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/moatbus.go/pkg/bus"
	"github.com/robotalks/moatbus.go/pkg/env"
	"github.com/robotalks/moatbus.go/pkg/fakebus"
	fx "github.com/robotalks/moatbus.go/pkg/framework"
	"github.com/robotalks/moatbus.go/pkg/serial"
)

var (
	delay    = time.Duration(0)
	maxDelay = time.Millisecond
	bridge   string
)

func init() {
	env.SetupFlags()
	flag.DurationVar(&delay, "delay", delay, "Propagation delay of wire changes.")
	flag.DurationVar(&maxDelay, "max-delay", maxDelay, "Random extra propagation delay.")
	flag.StringVar(&bridge, "bridge", bridge, "Serve a serial link (tcp, unix) bridged to the bus as -addr.")
}

// runBridge attaches a node to the bus and relays between it and
// serial link clients, one at a time.
func runBridge(ctx context.Context, conf *env.Config, l net.Listener) error {
	conn, err := env.OpenPort(conf.Bus)
	if err != nil {
		return err
	}
	node := fakebus.NewNode(conn, conf.Wires, conf.BusAddr())
	msgCh := make(chan *bus.Message, 16)
	node.Receive = func(m *bus.Message) {
		select {
		case msgCh <- m:
		default:
			glog.Warningf("bridge: dropped %v", m)
		}
	}
	runner := fx.NewRunner(ctx)
	runner.Go(
		fx.NamedRun("node", fx.RunFunc(func(ctx context.Context) error {
			return fx.RunWithCloser(ctx, conn, func() error { return node.Run(ctx) })
		})),
		fx.NamedRun("bridge", fx.RunFunc(func(ctx context.Context) error {
			return fx.RunWithCloser(ctx, l, func() error {
				for {
					client, err := l.Accept()
					if err != nil {
						return err
					}
					glog.Infof("bridge: client %s", client.RemoteAddr())
					serveClient(ctx, node, client, msgCh)
				}
			})
		})),
	)
	return runner.Wait()
}

func serveClient(ctx context.Context, node *fakebus.Node, client net.Conn, msgCh chan *bus.Message) {
	link := serial.NewLink(client)
	link.Handler = serial.HandleMessageFunc(func(ctx context.Context, m *bus.Message) {
		go func() {
			res, err := node.Send(ctx, m)
			if err != nil {
				glog.Warningf("bridge: send %v: %v", m, err)
				return
			}
			glog.V(2).Infof("bridge: %v %v", m, res)
		}()
	})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case m := <-msgCh:
				if err := link.Send(m); err != nil {
					glog.Warningf("bridge: relay %v: %v", m, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	err := fx.RunWithCloser(ctx, client, func() error { return link.Run(ctx) })
	glog.Infof("bridge: client %s gone: %v", client.RemoteAddr(), err)
}

func main() {
	flag.Parse()

	conf := env.NewConfig()
	if err := conf.Validate(); err != nil {
		log.Fatalln(err)
	}
	l, err := env.Listen(conf.Bus)
	if err != nil {
		log.Fatalln(err)
	}
	server := fakebus.NewServer(l)
	server.Delay, server.MaxDelay = delay, maxDelay

	runner := fx.NewRunner(context.Background()).HandleSignals()
	runner.Go(fx.NamedRun("fakebus", server))
	if bridge != "" {
		bl, err := env.Listen(bridge)
		if err != nil {
			log.Fatalln(err)
		}
		runner.Go(fx.NamedRun("bridge", fx.RunFunc(func(ctx context.Context) error {
			return runBridge(ctx, conf, bl)
		})))
	}
	if err := runner.Wait(); err != nil {
		log.Fatalln(err)
	}
}
