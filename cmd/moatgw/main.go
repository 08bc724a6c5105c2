package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"log"

	"github.com/robotalks/moatbus.go/pkg/env"
	fx "github.com/robotalks/moatbus.go/pkg/framework"
	"github.com/robotalks/moatbus.go/pkg/gateway"
	"github.com/robotalks/moatbus.go/pkg/serial"
)

func init() {
	env.SetupFlags()
}

func main() {
	flag.Parse()

	conf := env.NewConfig()
	port := conf.MustOpenPort()
	defer port.Close()
	q := conf.MustNewQueue("moatgw", gateway.WillOffline)
	link := serial.NewLink(port)

	runner := fx.NewRunner(context.Background()).HandleSignals()
	runner.Go(fx.NamedRun("gateway", fx.RunFunc(func(ctx context.Context) error {
		return fx.RunWithCloser(ctx, port, func() error {
			return gateway.Run(ctx, link, q)
		})
	})))
	if err := runner.Wait(); err != nil {
		log.Fatalln(err)
	}
}
