package transport

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/xtreemfs/flease"
	"github.com/xtreemfs/flease/grpccache"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
)

const (
	deliverMethod = "/flease.Transport/Deliver"

	DefaultSendTimeout = time.Second
	DefaultQueueSize   = 1024
	DefaultWorkers     = 4
)

// Ack is the empty reply to a delivered message.
type Ack struct{}

type transportServer interface {
	Deliver(ctx context.Context, msg *flease.Message) (*Ack, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "flease.Transport",
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flease/transport",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(flease.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Deliver(ctx, req.(*flease.Message))
	}
	return interceptor(ctx, in, info, handler)
}

type receiverServer struct {
	receiver Receiver
}

func (s *receiverServer) Deliver(ctx context.Context, msg *flease.Message) (*Ack, error) {
	if msg.Sender == "" {
		return nil, errors.New("Message without sender")
	}
	if msg.IsInternalEvent() {
		return nil, errors.Errorf("Internal event %s can't be delivered", msg.Type)
	}
	s.receiver.Receive(*msg)
	return &Ack{}, nil
}

// RegisterReceiver serves the flease transport on server and hands incoming
// messages to receiver.
func RegisterReceiver(server *grpc.Server, receiver Receiver) {
	server.RegisterService(&serviceDesc, &receiverServer{receiver: receiver})
}

type outgoing struct {
	msg     flease.Message
	address string
}

// GRPCTransport sends messages to peers with one unary call per message.
// Send never blocks, messages are dropped when the outbox is full.
type GRPCTransport struct {
	identity    string
	peers       map[string]string
	cache       *grpccache.Cache
	outbox      chan outgoing
	sendTimeout time.Duration
	workers     int

	sent    *atomic.Int64
	dropped *atomic.Int64
	failed  *atomic.Int64
}

// WithPeers maps peer identities to grpc addresses. Identities without an
// entry are used as address.
func WithPeers(peers map[string]string) func(*GRPCTransport) {
	return func(t *GRPCTransport) {
		for identity, address := range peers {
			t.peers[identity] = address
		}
	}
}

func WithSendTimeout(timeout time.Duration) func(*GRPCTransport) {
	return func(t *GRPCTransport) {
		t.sendTimeout = timeout
	}
}

func WithQueueSize(size int) func(*GRPCTransport) {
	return func(t *GRPCTransport) {
		t.outbox = make(chan outgoing, size)
	}
}

func WithWorkers(workers int) func(*GRPCTransport) {
	return func(t *GRPCTransport) {
		t.workers = workers
	}
}

// NewGRPCTransport starts the sending workers. They stop once ctx is done.
func NewGRPCTransport(ctx context.Context, identity string, opts ...func(*GRPCTransport)) *GRPCTransport {
	t := &GRPCTransport{
		identity:    identity,
		peers:       make(map[string]string),
		cache:       grpccache.NewCache(ctx),
		outbox:      make(chan outgoing, DefaultQueueSize),
		sendTimeout: DefaultSendTimeout,
		workers:     DefaultWorkers,
		sent:        atomic.NewInt64(0),
		dropped:     atomic.NewInt64(0),
		failed:      atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(t)
	}
	for i := 0; i < t.workers; i++ {
		go t.worker(ctx)
	}
	return t
}

func (t *GRPCTransport) Send(msg flease.Message, destination string) {
	msg.Sender = t.identity
	address, ok := t.peers[destination]
	if !ok {
		address = destination
	}

	select {
	case t.outbox <- outgoing{msg: msg, address: address}:
	default:
		t.dropped.Inc()
		log.Printf("Outbox full, dropping %s to %s", msg.Type, destination)
	}
}

// Counters returns the number of sent, dropped and failed messages.
func (t *GRPCTransport) Counters() (sent, dropped, failed int64) {
	return t.sent.Load(), t.dropped.Load(), t.failed.Load()
}

func (t *GRPCTransport) worker(ctx context.Context) {
	for {
		select {
		case out := <-t.outbox:
			if err := t.deliver(ctx, out); err != nil {
				// Lost messages are handled by the protocol timeouts.
				t.failed.Inc()
				log.Printf("Couldn't send %s to %s: %v", out.msg.Type, out.address, err)
				continue
			}
			t.sent.Inc()
		case <-ctx.Done():
			return
		}
	}
}

func (t *GRPCTransport) deliver(ctx context.Context, out outgoing) error {
	ctx, cancel := context.WithTimeout(ctx, t.sendTimeout)
	defer cancel()

	conn, err := t.cache.GetConnection(ctx, out.address)
	if err != nil {
		return errors.Wrap(err, "Couldn't get connection")
	}
	var ack Ack
	if err := conn.Invoke(ctx, deliverMethod, &out.msg, &ack, grpc.CallContentSubtype(CodecName)); err != nil {
		return errors.Wrap(err, "Couldn't deliver message")
	}
	return nil
}
