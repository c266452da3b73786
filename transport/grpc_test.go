package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/xtreemfs/flease"
	"google.golang.org/grpc"
)

func startServer(t *testing.T, receiver Receiver) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := grpc.NewServer()
	RegisterReceiver(server, receiver)
	go server.Serve(lis)
	t.Cleanup(server.Stop)
	return lis.Addr().String()
}

func waitForMessages(t *testing.T, r *recorder, count int) []flease.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if messages := r.messages(); len(messages) >= count {
			return messages
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d messages, got %d", count, len(r.messages()))
	return nil
}

func TestGRPCTransportDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &recorder{}
	address := startServer(t, b)

	transport := NewGRPCTransport(ctx, "a", WithPeers(map[string]string{"b": address}))
	msg := flease.NewMessage(flease.MsgAccept, "cell")
	msg.ProposalNo = flease.ProposalNumber{Round: 5, SenderID: 3}
	msg.LeaseHolder = "a"
	msg.LeaseTimeout = 12345
	msg.ViewID = 2
	transport.Send(msg, "b")

	received := waitForMessages(t, b, 1)[0]
	if received.Sender != "a" {
		t.Errorf("Expected sender a, got %s", received.Sender)
	}
	received.Sender = ""
	if received != msg {
		t.Errorf("Message changed on the wire: sent %v, got %v", msg, received)
	}

	sent, dropped, failed := transport.Counters()
	if sent != 1 || dropped != 0 || failed != 0 {
		t.Errorf("Unexpected counters sent=%d dropped=%d failed=%d", sent, dropped, failed)
	}
}

func TestGRPCTransportReusesConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &recorder{}
	address := startServer(t, b)

	transport := NewGRPCTransport(ctx, "a", WithWorkers(2))
	for i := 0; i < 10; i++ {
		transport.Send(flease.NewMessage(flease.MsgPrepare, "cell"), address)
	}
	waitForMessages(t, b, 10)
}

func TestGRPCTransportUnreachablePeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := lis.Addr().String()
	lis.Close()

	transport := NewGRPCTransport(ctx, "a", WithSendTimeout(100*time.Millisecond), WithWorkers(1))
	transport.Send(flease.NewMessage(flease.MsgPrepare, "cell"), address)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, failed := transport.Counters(); failed == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Send to unreachable peer didn't fail")
}

func TestGRPCTransportFullOutbox(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transport := NewGRPCTransport(ctx, "a", WithQueueSize(1), WithWorkers(0))
	transport.Send(flease.NewMessage(flease.MsgPrepare, "cell"), "b")
	transport.Send(flease.NewMessage(flease.MsgPrepare, "cell"), "b")

	if _, dropped, _ := transport.Counters(); dropped != 1 {
		t.Errorf("Expected one dropped message, got %d", dropped)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}
	msg := flease.NewMessage(flease.MsgLearn, "cell")
	msg.MasterEpochNumber = 7
	data, err := codec.Marshal(&msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded flease.Message
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded != msg {
		t.Errorf("Expected %v, got %v", msg, decoded)
	}
	if err := codec.Unmarshal([]byte("{"), &decoded); err == nil {
		t.Error("Expected error for truncated input")
	}
}
