package transport

import (
	"math/rand"
	"sync"
	"time"

	"github.com/xtreemfs/flease"
)

// Receiver is the inbound half of a node, implemented by stage.Stage.
type Receiver interface {
	Receive(msg flease.Message)
}

// Network connects nodes inside one process. It can drop, duplicate and delay
// messages to simulate an unreliable network.
type Network struct {
	mutex    sync.Mutex
	nodes    map[string]Receiver
	isolated map[string]bool
	random   *rand.Rand

	dropRate      float64
	duplicateRate float64
	maxDelay      time.Duration

	// inFlight counts delayed messages, guarded by mutex.
	inFlight int
	drained  *sync.Cond
}

func WithDropRate(rate float64) func(*Network) {
	return func(n *Network) {
		n.dropRate = rate
	}
}

func WithDuplicateRate(rate float64) func(*Network) {
	return func(n *Network) {
		n.duplicateRate = rate
	}
}

// WithMaxDelay delays every message by a random duration up to delay, which
// also reorders messages.
func WithMaxDelay(delay time.Duration) func(*Network) {
	return func(n *Network) {
		n.maxDelay = delay
	}
}

func WithSeed(seed int64) func(*Network) {
	return func(n *Network) {
		n.random = rand.New(rand.NewSource(seed))
	}
}

func NewNetwork(opts ...func(*Network)) *Network {
	n := &Network{
		nodes:    make(map[string]Receiver),
		isolated: make(map[string]bool),
		random:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	n.drained = sync.NewCond(&n.mutex)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register makes identity reachable. Registering an identity again replaces
// the receiver, which is how a restarted node rejoins.
func (n *Network) Register(identity string, receiver Receiver) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.nodes[identity] = receiver
}

func (n *Network) Unregister(identity string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.nodes, identity)
}

// Isolate drops all messages from and to identity until Heal is called.
func (n *Network) Isolate(identity string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.isolated[identity] = true
}

func (n *Network) Heal(identity string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.isolated, identity)
}

// Sender returns the sender of node identity.
func (n *Network) Sender(identity string) flease.Sender {
	return flease.SenderFunc(func(msg flease.Message, destination string) {
		msg.Sender = identity
		n.deliver(msg, destination)
	})
}

// Wait blocks until no delayed message is in flight. Messages sent while
// waiting are waited for as well.
func (n *Network) Wait() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for n.inFlight > 0 {
		n.drained.Wait()
	}
}

func (n *Network) deliver(msg flease.Message, destination string) {
	n.mutex.Lock()
	receiver, ok := n.nodes[destination]
	if !ok || n.isolated[destination] || n.isolated[msg.Sender] {
		n.mutex.Unlock()
		return
	}
	if n.dropRate > 0 && n.random.Float64() < n.dropRate {
		n.mutex.Unlock()
		return
	}
	copies := 1
	if n.duplicateRate > 0 && n.random.Float64() < n.duplicateRate {
		copies = 2
	}
	delays := make([]time.Duration, copies)
	if n.maxDelay > 0 {
		for i := range delays {
			delays[i] = time.Duration(n.random.Int63n(int64(n.maxDelay)))
			if delays[i] > 0 {
				n.inFlight++
			}
		}
	}
	n.mutex.Unlock()

	for _, delay := range delays {
		if delay == 0 {
			receiver.Receive(msg)
			continue
		}
		time.AfterFunc(delay, func() {
			receiver.Receive(msg)
			n.delivered()
		})
	}
}

func (n *Network) delivered() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.inFlight--
	if n.inFlight == 0 {
		n.drained.Broadcast()
	}
}
