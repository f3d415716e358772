package mqtt

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	gomqtt "github.com/256dpi/gomqtt/transport"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/dashio-connect/dashio-go/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
)

const brokerTimeout = 5 * time.Second

// testBroker serves one client connection over real MQTT wire protocol.
type testBroker struct {
	ln      net.Listener
	alive   *alive.Alive
	mu      sync.Mutex
	conn    *gomqtt.NetConn
	nextID  packet.ID
	connect chan *packet.Connect
	subs    chan packet.Subscription
	pub     chan packet.Message
	done    chan struct{}
}

func startTestBroker(t testing.TB) *testBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	b := &testBroker{
		ln:      ln,
		alive:   alive.NewAlive(),
		connect: make(chan *packet.Connect, 1),
		subs:    make(chan packet.Subscription, 4),
		pub:     make(chan packet.Message, 8),
		done:    make(chan struct{}),
	}
	b.alive.Add(1)
	go b.serve(t)
	return b
}

func (b *testBroker) url() string { return "tcp://" + b.ln.Addr().String() }

func (b *testBroker) close() {
	b.alive.Stop()
	_ = b.ln.Close()
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.mu.Unlock()
	b.alive.Wait()
}

func (b *testBroker) serve(t testing.TB) {
	defer b.alive.Done()
	defer close(b.done)
	conn, err := b.ln.Accept()
	if err != nil {
		return
	}
	_ = conn.SetDeadline(time.Now().Add(10 * brokerTimeout))
	b.mu.Lock()
	b.conn = gomqtt.NewNetConn(conn)
	b.mu.Unlock()
	for {
		pkt, err := b.conn.Receive()
		if err != nil {
			return
		}
		switch pt := pkt.(type) {
		case *packet.Connect:
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			b.connect <- pt
			b.send(t, connack)

		case *packet.Subscribe:
			suback := packet.NewSuback()
			suback.ID = pt.ID
			suback.ReturnCodes = make([]packet.QOS, 0, len(pt.Subscriptions))
			for _, sub := range pt.Subscriptions {
				suback.ReturnCodes = append(suback.ReturnCodes, sub.QOS)
			}
			b.send(t, suback)
			for _, sub := range pt.Subscriptions {
				b.subs <- sub
			}

		case *packet.Publish:
			if pt.Message.QOS == packet.QOSAtLeastOnce {
				puback := packet.NewPuback()
				puback.ID = pt.ID
				b.send(t, puback)
			}
			b.pub <- pt.Message

		case *packet.Pingreq:
			b.send(t, packet.NewPingresp())

		case *packet.Puback:

		case *packet.Disconnect:
			return

		default:
			t.Errorf("unexpected packet=%s", pkt.String())
			return
		}
	}
}

func (b *testBroker) send(t testing.TB, pkt packet.Generic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.NoError(t, b.conn.Send(pkt, false))
}

func (b *testBroker) publish(t testing.TB, topic string, payload []byte) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()
	pub := packet.NewPublish()
	pub.ID = id
	pub.Message = packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtLeastOnce}
	b.send(t, pub)
}

func (b *testBroker) expectPublish(t testing.TB) packet.Message {
	select {
	case m := <-b.pub:
		return m
	case <-time.After(brokerTimeout):
		t.Fatal("broker did not receive publish")
		return packet.Message{}
	}
}

// Not parallel: New sets package level paho loggers.
func TestBrokerSession(t *testing.T) {
	b := startTestBroker(t)
	defer b.close()

	tr, err := New(Options{
		Config:       Config{Enable: true, Broker: b.url(), NetworkTimeoutSec: int(brokerTimeout / time.Second)},
		DeviceID:     "dev1",
		Announce:     func() []byte { return []byte("\tdev1\tWHO\tTest\tBench\n") },
		Handler:      whoHandler,
		Log:          log2.NewStderr(log2.LDebug),
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errch := make(chan error, 1)
	go func() { errch <- tr.Run(ctx) }()

	select {
	case c := <-b.connect:
		assert.Equal(t, "dev1", c.ClientID)
		require.NotNil(t, c.Will)
		assert.Equal(t, "dev1/announce", c.Will.Topic)
		assert.Equal(t, "\tdev1\tOFFLINE\n", string(c.Will.Payload))
		assert.Equal(t, packet.QOSAtLeastOnce, c.Will.QOS)
	case <-time.After(brokerTimeout):
		t.Fatal("broker did not receive connect")
	}
	select {
	case sub := <-b.subs:
		assert.Equal(t, "dev1/control", sub.Topic)
	case <-time.After(brokerTimeout):
		t.Fatal("broker did not receive subscribe")
	}
	m := b.expectPublish(t)
	assert.Equal(t, "dev1/announce", m.Topic)
	assert.Equal(t, "\tdev1\tWHO\tTest\tBench\n", string(m.Payload))

	cases := []struct {
		name    string
		control string
		expect  string
	}{
		{"connect", "\tdev1\tCONNECT\n", "\tdev1\tCONNECT\n"},
		{"who-unterminated", "\tWHO", "\tdev1\tWHO\tTest\tBench\n"},
	}
	for _, c := range cases {
		b.publish(t, "dev1/control", []byte(c.control))
		m = b.expectPublish(t)
		assert.Equal(t, "dev1/data", m.Topic, c.name)
		assert.Equal(t, c.expect, string(m.Payload), c.name)
	}
	assert.Equal(t, int64(len(cases)), tr.Stat().Recv.Value())
	assert.Equal(t, int64(1), tr.Stat().Connects.Value())

	cancel()
	select {
	case err := <-errch:
		assert.NoError(t, err)
	case <-time.After(brokerTimeout):
		t.Fatal("Run did not stop")
	}
	select {
	case <-b.done:
	case <-time.After(brokerTimeout):
		t.Fatal("client did not disconnect")
	}
	assert.Equal(t, transport.ErrClosed, tr.Send(context.Background(), 0, []byte("x")))
}
