package byzcoin

import (
	"context"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/rpc"
)

// Subscription hands new blocks of a ledger to its subscribers. A single
// dispatcher goroutine runs while there is at least one subscriber. It
// listens to the streaming service of the nodes and falls back to polling
// if no node streams. On every wakeup it walks the forward links from the
// last block it delivered, so every block it hands out is verified and
// blocks arrive in order.
type Subscription struct {
	ledger *Ledger

	sync.Mutex
	current *dispatcher
}

type dispatcher struct {
	subs   map[*Subscriber]bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscriber receives blocks either on a channel or through a handler.
// Blocks are delivered one at a time and with increasing index; after a
// reconnection a block can be seen again by the dispatcher, but it is
// only delivered once. Every subscriber has its own queue, drained by
// its own goroutine, so a slow subscriber only delays itself.
type Subscriber struct {
	sub     *Subscription
	d       *dispatcher
	blocks  chan *Block
	handler func(*Block)
	quit    chan struct{}
	once    sync.Once
	wake    chan struct{}
	drained chan struct{}

	sync.Mutex
	last      int
	queue     []*Block
	err       error
	inHandler bool
}

func newSubscription(l *Ledger) *Subscription {
	return &Subscription{ledger: l}
}

// Subscribe returns a subscriber receiving every block after the current
// latest block on a channel with the given buffer. The channel is never
// closed; use Done to know when the subscription ended.
func (l *Ledger) Subscribe(buffer int) *Subscriber {
	s := l.newSubscriber()
	s.blocks = make(chan *Block, buffer)
	go s.drain()
	l.subscription.add(s)
	return s
}

// SubscribeFunc calls handler with every block after the current latest
// block. Calls never overlap. The handler may call Unsubscribe.
func (l *Ledger) SubscribeFunc(handler func(*Block)) *Subscriber {
	s := l.newSubscriber()
	s.handler = handler
	go s.drain()
	l.subscription.add(s)
	return s
}

func (l *Ledger) newSubscriber() *Subscriber {
	return &Subscriber{
		sub:     l.subscription,
		quit:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
		last:    l.Latest().Index,
	}
}

// Blocks returns the channel of a subscriber created with Subscribe.
func (s *Subscriber) Blocks() <-chan *Block {
	return s.blocks
}

// Done is closed when the subscriber stops receiving blocks, either
// because it unsubscribed or because of an error.
func (s *Subscriber) Done() <-chan struct{} {
	return s.quit
}

// Err returns the error that ended the subscription.
func (s *Subscriber) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.err
}

// Unsubscribe stops the delivery of new blocks; queued blocks are
// dropped. A block being handed over is not taken back. If this was the
// last subscriber, the dispatcher is stopped and waited for. Except when
// called from a handler, the delivery goroutine is waited for too.
func (s *Subscriber) Unsubscribe() {
	s.end(nil)
	s.Lock()
	join := !s.inHandler
	s.Unlock()
	s.sub.remove(s)
	if join {
		<-s.drained
	}
}

func (s *Subscriber) end(err error) {
	s.once.Do(func() {
		s.Lock()
		s.err = err
		s.Unlock()
		close(s.quit)
	})
}

// deliver queues b unless it has been queued already. It never blocks.
func (s *Subscriber) deliver(b *Block) {
	s.Lock()
	if b.Index <= s.last {
		s.Unlock()
		return
	}
	s.last = b.Index
	s.queue = append(s.queue, b)
	s.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscriber) next() *Block {
	s.Lock()
	defer s.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	b := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return b
}

// drain hands the queued blocks over until the subscriber ends.
func (s *Subscriber) drain() {
	defer close(s.drained)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for b := s.next(); b != nil; b = s.next() {
			if !s.hand(b) {
				return
			}
		}
	}
}

func (s *Subscriber) hand(b *Block) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	if s.handler != nil {
		s.Lock()
		s.inHandler = true
		s.Unlock()
		s.handler(b)
		s.Lock()
		s.inHandler = false
		s.Unlock()
		return true
	}
	select {
	case s.blocks <- b:
		return true
	case <-s.quit:
		return false
	}
}

func (sub *Subscription) add(s *Subscriber) {
	sub.Lock()
	defer sub.Unlock()
	if sub.current == nil {
		ctx, cancel := context.WithCancel(context.Background())
		d := &dispatcher{
			subs:   make(map[*Subscriber]bool),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		sub.current = d
		go sub.run(ctx, d)
	}
	s.d = sub.current
	sub.current.subs[s] = true
}

// remove stops the dispatcher of s and waits for it if s was its last
// subscriber. The dispatcher never waits for subscribers, so this is safe
// from a handler.
func (sub *Subscription) remove(s *Subscriber) {
	sub.Lock()
	d := s.d
	if d == nil || !d.subs[s] {
		sub.Unlock()
		return
	}
	delete(d.subs, s)
	if len(d.subs) > 0 {
		sub.Unlock()
		return
	}
	d.cancel()
	if sub.current == d {
		sub.current = nil
	}
	sub.Unlock()
	<-d.done
}

func (sub *Subscription) subscribers(d *dispatcher) []*Subscriber {
	sub.Lock()
	defer sub.Unlock()
	list := make([]*Subscriber, 0, len(d.subs))
	for s := range d.subs {
		list = append(list, s)
	}
	return list
}

// fail ends all subscribers of d with err.
func (sub *Subscription) fail(d *dispatcher, err error) {
	sub.Lock()
	for s := range d.subs {
		s.end(err)
	}
	d.subs = make(map[*Subscriber]bool)
	d.cancel()
	if sub.current == d {
		sub.current = nil
	}
	sub.Unlock()
}

func (sub *Subscription) run(ctx context.Context, d *dispatcher) {
	defer close(d.done)
	last := sub.ledger.Latest()
	var err error

	if last, err = sub.catchUp(ctx, d, last); err != nil {
		sub.fail(d, err)
		return
	}
	conn := sub.openStream(ctx)
	if conn != nil {
		last, err = sub.listen(ctx, d, conn, last)
		if err != nil {
			sub.fail(d, err)
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	log.Lvl2("Polling for new blocks")
	if err := sub.poll(ctx, d, last); err != nil {
		sub.fail(d, err)
	}
}

// openStream returns a streaming connection to the first node accepting
// one, or nil.
func (sub *Subscription) openStream(ctx context.Context) rpc.StreamConn {
	l := sub.ledger
	for _, si := range l.Roster().List {
		conn, err := l.tr.Stream(ctx, si, PathStreaming, &StreamingRequest{ID: l.id})
		if err == nil {
			log.Lvl3("Streaming blocks from", si.Address)
			return conn
		}
		log.Lvl2("Couldn't stream from", si.Address, ":", err)
	}
	return nil
}

// listen uses every streamed block as a signal to catch up. It returns
// with a nil error once the stream breaks.
func (sub *Subscription) listen(ctx context.Context, d *dispatcher, conn rpc.StreamConn, last *Block) (*Block, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()
	for {
		msg := &StreamingResponse{}
		if err := conn.ReadMessage(msg); err != nil {
			log.Lvl2("Stream closed:", err)
			return last, nil
		}
		var err error
		if last, err = sub.catchUp(ctx, d, last); err != nil {
			return last, err
		}
	}
}

func (sub *Subscription) poll(ctx context.Context, d *dispatcher, last *Block) error {
	interval := sub.ledger.Config().BlockInterval / 2
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		var err error
		if last, err = sub.catchUp(ctx, d, last); err != nil {
			return err
		}
	}
}

// catchUp delivers all blocks after last. Communication errors are
// logged and left for the next wakeup; any other error is returned.
func (sub *Subscription) catchUp(ctx context.Context, d *dispatcher, last *Block) (*Block, error) {
	it := sub.ledger.skipchain.FollowForwardLinks(ctx, last)
	for it.Next() {
		b := it.Block()
		sub.ledger.updateLatest(b)
		for _, s := range sub.subscribers(d) {
			s.deliver(b)
		}
		last = b
	}
	err := it.Err()
	if err == nil || ctx.Err() != nil {
		return last, nil
	}
	if xerrors.Is(err, ErrCommunication) {
		log.Lvl2("Couldn't catch up:", err)
		return last, nil
	}
	return last, err
}
