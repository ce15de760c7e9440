package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// startTestNATS starts an in-process NATS server on a random port.
func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   natsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("creating nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server failed to start")
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("connecting to nats: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

func TestNATSPublisher_PublishesPerKindSubject(t *testing.T) {
	nc := startTestNATS(t)
	p := NewNATSPublisher(nc, "test.uiaudit")

	received := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("test.uiaudit.>", received)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ev := Event{Kind: WorkerDisconnected, BridgeID: "b1", ConnID: 2, Pending: 3, Time: time.Now()}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Subject != "test.uiaudit.worker_disconnected" {
			t.Errorf("subject = %q", msg.Subject)
		}
		var got Event
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Kind != WorkerDisconnected || got.ConnID != 2 || got.Pending != 3 {
			t.Errorf("event = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNATSPublisher_DefaultSubject(t *testing.T) {
	p := NewNATSPublisher(nil, "")
	if got := p.Subject(CallRejected); got != "uiaudit.events.call_rejected" {
		t.Errorf("Subject = %q", got)
	}
}
