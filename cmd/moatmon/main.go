package main

import (
	"flag"
	"log"
	"strings"

	"github.com/robotalks/moatbus.go/pkg/env"
	"github.com/robotalks/moatbus.go/pkg/gateway"
	"github.com/robotalks/moatbus.go/pkg/gateway/mqtt"
)

func init() {
	env.SetupFlags()
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	q := env.NewConfig().MustNewQueue("moatmon")
	q.Sub("#", mqtt.Handler(func(topic string, payload []byte) {
		if topic == gateway.TopicState {
			log.Printf("%s: %s", topic, string(payload))
			return
		}
		if !strings.HasPrefix(topic, gateway.TopicIn+"/") && topic != gateway.TopicOut {
			return
		}
		m, err := gateway.DecodeMessage(payload)
		if err != nil {
			log.Printf("%s: bad message: %v", topic, err)
			return
		}
		log.Printf("%s: %v", topic, m)
	}))
	if token := q.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln(token.Error())
	}
	<-(chan struct{})(nil)
}
