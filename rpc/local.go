package rpc

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Service is the server side of a Local transport. It receives a
// decoded copy of the request and returns the reply.
type Service interface {
	Process(dst *network.ServerIdentity, path string, req interface{}) (interface{}, error)
}

// Streamer is implemented by services that push messages. The returned
// channel must be closed once ctx is done.
type Streamer interface {
	Stream(ctx context.Context, dst *network.ServerIdentity, path string, req interface{}) (<-chan interface{}, error)
}

// Local is an in-process transport. Requests and replies go through a
// protobuf round trip so that nothing is shared between the client and
// the service. Nodes can be stopped to simulate failures.
type Local struct {
	sync.Mutex
	service  Service
	down     map[string]bool
	pings    []network.Address
	requests map[string]int
	streams  int
}

// NewLocal returns a transport delivering every request to s.
func NewLocal(s Service) *Local {
	return &Local{
		service:  s,
		down:     make(map[string]bool),
		requests: make(map[string]int),
	}
}

// Stop makes si unreachable.
func (l *Local) Stop(si *network.ServerIdentity) {
	l.Lock()
	defer l.Unlock()
	l.down[si.Public.String()] = true
}

// Start makes si reachable again.
func (l *Local) Start(si *network.ServerIdentity) {
	l.Lock()
	defer l.Unlock()
	delete(l.down, si.Public.String())
}

// IsUp returns false if si has been stopped.
func (l *Local) IsUp(si *network.ServerIdentity) bool {
	l.Lock()
	defer l.Unlock()
	return !l.down[si.Public.String()]
}

// Pings returns the addresses pinged so far, in order.
func (l *Local) Pings() []network.Address {
	l.Lock()
	defer l.Unlock()
	return append([]network.Address{}, l.pings...)
}

// ResetCounters forgets about past pings and requests.
func (l *Local) ResetCounters() {
	l.Lock()
	defer l.Unlock()
	l.pings = nil
	l.requests = make(map[string]int)
}

// Requests returns how many requests have been sent on path, reachable
// or not.
func (l *Local) Requests(path string) int {
	l.Lock()
	defer l.Unlock()
	return l.requests[path]
}

// TotalRequests returns the number of requests sent on any path.
func (l *Local) TotalRequests() int {
	l.Lock()
	defer l.Unlock()
	n := 0
	for _, c := range l.requests {
		n += c
	}
	return n
}

// Send implements Transport.
func (l *Local) Send(ctx context.Context, dst *network.ServerIdentity, path string, req, reply interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.Lock()
	l.requests[path]++
	l.Unlock()
	if !l.IsUp(dst) {
		return xerrors.Errorf("%s is down: %w", dst.Address, ErrCommunication)
	}
	in, err := roundTrip(req)
	if err != nil {
		return err
	}
	out, err := l.service.Process(dst, path, in)
	if err != nil {
		return xerrors.Errorf("%v: %w", err, ErrCommunication)
	}
	return copyMessage(out, reply)
}

// Stream implements Transport.
func (l *Local) Stream(ctx context.Context, dst *network.ServerIdentity, path string, req interface{}) (StreamConn, error) {
	st, ok := l.service.(Streamer)
	if !ok {
		return nil, xerrors.Errorf("streaming not supported: %w", ErrCommunication)
	}
	if !l.IsUp(dst) {
		return nil, xerrors.Errorf("%s is down: %w", dst.Address, ErrCommunication)
	}
	in, err := roundTrip(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ch, err := st.Stream(ctx, dst, path, in)
	if err != nil {
		cancel()
		return nil, xerrors.Errorf("%v: %w", err, ErrCommunication)
	}
	l.Lock()
	l.streams++
	l.Unlock()
	return &localStream{l: l, ch: ch, cancel: cancel}, nil
}

// Streams returns the number of streams that have been opened and not
// closed yet.
func (l *Local) Streams() int {
	l.Lock()
	defer l.Unlock()
	return l.streams
}

// Ping implements Transport.
func (l *Local) Ping(ctx context.Context, dst *network.ServerIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.Lock()
	l.pings = append(l.pings, dst.Address)
	down := l.down[dst.Public.String()]
	l.Unlock()
	if down {
		return xerrors.Errorf("%s is down: %w", dst.Address, ErrCommunication)
	}
	return nil
}

type localStream struct {
	l      *Local
	ch     <-chan interface{}
	cancel context.CancelFunc
	once   sync.Once
}

func (s *localStream) ReadMessage(ret interface{}) error {
	msg, ok := <-s.ch
	if !ok {
		return xerrors.Errorf("stream closed: %w", ErrCommunication)
	}
	return copyMessage(msg, ret)
}

func (s *localStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.l.Lock()
		s.l.streams--
		s.l.Unlock()
	})
	return nil
}

// roundTrip returns a fresh copy of msg, which must be a pointer to a
// struct.
func roundTrip(msg interface{}) (interface{}, error) {
	t := reflect.TypeOf(msg)
	if t == nil || t.Kind() != reflect.Ptr {
		return nil, errors.New("message must be a pointer")
	}
	c := reflect.New(t.Elem()).Interface()
	if err := copyMessage(msg, c); err != nil {
		return nil, err
	}
	return c, nil
}

func copyMessage(from, to interface{}) error {
	buf, err := protobuf.Encode(from)
	if err != nil {
		return xerrors.Errorf("encoding: %v: %w", err, ErrCommunication)
	}
	err = protobuf.DecodeWithConstructors(buf, to, network.DefaultConstructors(cothority.Suite))
	if err != nil {
		return xerrors.Errorf("decoding: %v: %w", err, ErrCommunication)
	}
	return nil
}
