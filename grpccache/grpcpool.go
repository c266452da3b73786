package grpccache

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// Cache keeps one client connection per peer address. Connections are dialed
// by worker goroutines, concurrent requests for the same address wait for the
// same dial.
type Cache struct {
	connections map[string]*grpc.ClientConn
	requests    chan *connectionRequest
	dialOptions []grpc.DialOption
	closed      chan struct{}
}

type connectionRequest struct {
	ctx          context.Context
	address      string
	responseChan chan<- *finishedConnection
}

type finishedConnection struct {
	address    string
	connection *grpc.ClientConn
	err        error
}

// WithDialOptions adds options to every dial, the connections are insecure by
// default.
func WithDialOptions(opts ...grpc.DialOption) func(*Cache) {
	return func(cache *Cache) {
		cache.dialOptions = append(cache.dialOptions, opts...)
	}
}

// NewCache starts the cache. All connections are closed once ctx is done.
func NewCache(ctx context.Context, opts ...func(*Cache)) *Cache {
	cache := &Cache{
		connections: make(map[string]*grpc.ClientConn),
		requests:    make(chan *connectionRequest),
		dialOptions: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cache)
	}
	go cache.loop(ctx)

	return cache
}

func (cache *Cache) GetConnection(ctx context.Context, address string) (*grpc.ClientConn, error) {
	responseChan := make(chan *finishedConnection)

	select {
	case cache.requests <- &connectionRequest{
		ctx:          ctx,
		address:      address,
		responseChan: responseChan,
	}:
	case <-cache.closed:
		return nil, errors.New("Connection cache is closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res, ok := <-responseChan:
		if !ok {
			return nil, errors.New("Connection cache is closed")
		}
		return res.connection, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Closed is closed once every connection has been closed.
func (cache *Cache) Closed() <-chan struct{} {
	return cache.closed
}

func (cache *Cache) loop(ctx context.Context) {
	defer close(cache.closed)
	waiting := make(map[string][]*connectionRequest)
	finished := make(chan *finishedConnection)

	for {
		select {
		case req := <-cache.requests:
			// Just send the connection over if it exists and wasn't shut down.
			if conn, ok := cache.connections[req.address]; ok {
				if conn.GetState() != connectivity.Shutdown {
					select {
					case req.responseChan <- &finishedConnection{
						address:    req.address,
						connection: conn,
					}:
					case <-req.ctx.Done():
					case <-ctx.Done():
					}
					close(req.responseChan)
					continue
				}
				delete(cache.connections, req.address)
			}

			// A worker is already dialing, wait for it.
			if alreadyWaiting, ok := waiting[req.address]; ok {
				waiting[req.address] = append(alreadyWaiting, req)
				continue
			}

			waiting[req.address] = []*connectionRequest{req}
			go cache.buildConnection(ctx, req.address, finished)

		case conn := <-finished:
			if conn.err == nil {
				cache.connections[conn.address] = conn.connection
			}

			for _, client := range waiting[conn.address] {
				select {
				case client.responseChan <- conn:
				case <-client.ctx.Done():
				case <-ctx.Done():
				}
				close(client.responseChan)
			}
			delete(waiting, conn.address)

		case <-ctx.Done():
			for address, conn := range cache.connections {
				conn.Close()
				delete(cache.connections, address)
			}
			for _, clients := range waiting {
				for _, client := range clients {
					close(client.responseChan)
				}
			}
			return
		}
	}
}

func (cache *Cache) buildConnection(ctx context.Context, address string, finished chan<- *finishedConnection) {
	conn, err := grpc.DialContext(ctx, address, cache.dialOptions...)
	if err != nil {
		select {
		case finished <- &finishedConnection{
			address: address,
			err:     errors.Wrapf(err, "Couldn't dial grpc. Address: %s", address),
		}:
		case <-ctx.Done():
		}
		return
	}

	// In case the cache gets closed, by cancellation of the context, we abort sending the connection over.
	select {
	case finished <- &finishedConnection{address: address, connection: conn}:
	case <-ctx.Done():
		conn.Close()
	}
}
