package gateway

import (
	"context"
	"fmt"
	"sync/atomic"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"

	"github.com/robotalks/moatbus.go/pkg/bus"
	"github.com/robotalks/moatbus.go/pkg/gateway/mqtt"
	"github.com/robotalks/moatbus.go/pkg/serial"
)

// Topics below the prefix.
const (
	TopicIn    = "in"
	TopicOut   = "out"
	TopicState = "state"
)

// Sender accepts messages for the bus.
type Sender interface {
	Send(*bus.Message) error
}

// Publisher publishes to topics below a prefix.
type Publisher interface {
	Pub(topic string, payload []byte) paho.Token
}

// Gateway forwards messages between a Sender and a Publisher.
type Gateway struct {
	Sender    Sender
	Publisher Publisher

	forwarded uint64
	dropped   uint64
}

// InTopic returns the topic a received message is published to.
func InTopic(m *bus.Message) string {
	return fmt.Sprintf("%s/%d/%d/%d", TopicIn, m.Src, m.Dst, m.Code)
}

// HandleMessage implements serial.MessageHandler.
func (g *Gateway) HandleMessage(ctx context.Context, m *bus.Message) {
	topic := InTopic(m)
	glog.V(2).Infof("gateway: %v -> %s", m, topic)
	g.Publisher.Pub(topic, EncodeMessage(m))
	atomic.AddUint64(&g.forwarded, 1)
	m.Free()
}

// HandleOut decodes a published payload and sends it.
func (g *Gateway) HandleOut(topic string, payload []byte) {
	m, err := DecodeMessage(payload)
	if err == nil {
		glog.V(2).Infof("gateway: %s -> %v", topic, m)
		err = g.Sender.Send(m)
	}
	if err != nil {
		glog.Warningf("gateway: %s dropped: %v", topic, err)
		atomic.AddUint64(&g.dropped, 1)
	}
}

// Counts returns the number of forwarded and dropped messages.
func (g *Gateway) Counts() (forwarded, dropped uint64) {
	return atomic.LoadUint64(&g.forwarded), atomic.LoadUint64(&g.dropped)
}

// WillOffline makes the broker publish the offline state when the
// gateway disappears.
func WillOffline(opts *mqtt.Options) {
	opts.Client.SetBinaryWill(opts.TopicPrefix+TopicState, []byte("offline"), 1, true)
}

// Run bridges link and q until ctx is done.
func Run(ctx context.Context, link *serial.Link, q *mqtt.Queue) error {
	g := &Gateway{Sender: link, Publisher: q}
	link.Handler = g
	q.OnConnect = func(q *mqtt.Queue) {
		q.PubWith(TopicState, []byte("online"), 1, true)
	}
	sub := q.Sub(TopicOut, g.HandleOut)
	defer sub.Close()

	if token := q.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer q.Close()

	err := link.Run(ctx)
	q.PubWith(TopicState, []byte("offline"), 1, true).Wait()
	forwarded, dropped := g.Counts()
	glog.Infof("gateway: stopped, %d forwarded, %d dropped", forwarded, dropped)
	if err == context.Canceled {
		return nil
	}
	return err
}
