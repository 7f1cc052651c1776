package rpc

import (
	"context"
	"strings"

	"go.dedis.ch/cothority/v3"
	status "go.dedis.ch/cothority/v3/status/service"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

// Onet talks to real conodes over the onet websocket API. A new client
// is created for every request and closed when it returns.
type Onet struct{}

// NewOnet returns a transport using onet websockets.
func NewOnet() *Onet {
	return &Onet{}
}

// Send implements Transport. The onet client has no notion of
// cancellation, so the context is only checked before sending.
func (o *Onet) Send(ctx context.Context, dst *network.ServerIdentity, path string, req, reply interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cl := onet.NewClient(cothority.Suite, serviceName(path))
	defer cl.Close()
	if err := cl.SendProtobuf(dst, req, reply); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrCommunication)
	}
	return nil
}

// Stream implements Transport. Closing the returned connection closes
// the underlying client.
func (o *Onet) Stream(ctx context.Context, dst *network.ServerIdentity, path string, req interface{}) (StreamConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cl := onet.NewClient(cothority.Suite, serviceName(path))
	conn, err := cl.Stream(dst, req)
	if err != nil {
		cl.Close()
		return nil, xerrors.Errorf("%v: %w", err, ErrCommunication)
	}
	return &onetStream{cl: cl, conn: conn}, nil
}

// Ping asks the status service of the node.
func (o *Onet) Ping(ctx context.Context, dst *network.ServerIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := status.NewClient().Request(dst); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrCommunication)
	}
	return nil
}

type onetStream struct {
	cl   *onet.Client
	conn onet.StreamingConn
}

func (s *onetStream) ReadMessage(ret interface{}) error {
	if err := s.conn.ReadMessage(ret); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrCommunication)
	}
	return nil
}

func (s *onetStream) Close() error {
	return s.cl.Close()
}

func serviceName(path string) string {
	return strings.SplitN(path, "/", 2)[0]
}
