// Package rpc is the boundary between the client library and the
// conodes. A Transport sends one request to one node; SendToRoster turns
// that into "ask the roster until somebody answers".
package rpc

import (
	"context"
	"errors"
	"strings"

	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

// ErrCommunication is returned when no node could be reached or when a
// reply could not be decoded.
var ErrCommunication = errors.New("communication error")

// StreamConn is an open streaming connection. ReadMessage blocks until
// the next message arrives or the connection is closed.
type StreamConn interface {
	ReadMessage(ret interface{}) error
	Close() error
}

// Transport sends requests to single nodes. The path has the form
// "Service/Method", and Method must be the type name of req, as the
// onet client derives the path from the message type.
type Transport interface {
	Send(ctx context.Context, dst *network.ServerIdentity, path string, req, reply interface{}) error
	Stream(ctx context.Context, dst *network.ServerIdentity, path string, req interface{}) (StreamConn, error)
	Ping(ctx context.Context, dst *network.ServerIdentity) error
}

// SendToRoster tries the nodes of the roster in order and returns as
// soon as one of them answers. If all fail, the last error is returned
// wrapped in ErrCommunication.
func SendToRoster(ctx context.Context, tr Transport, r *onet.Roster, path string, req, reply interface{}) error {
	if r == nil || len(r.List) == 0 {
		return xerrors.Errorf("empty roster: %w", ErrCommunication)
	}
	var last error
	for _, si := range r.List {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Lvl3("Sending", path, "to", si.Address)
		err := tr.Send(ctx, si, path, req, reply)
		if err == nil {
			return nil
		}
		log.Lvl2("Node", si.Address, "failed on", path, ":", err)
		last = err
	}
	return wrap(path, last)
}

// IsServiceError returns true if the error has been returned by the
// remote service and contains msg.
func IsServiceError(err error, msg string) bool {
	return err != nil && strings.Contains(err.Error(), msg)
}

func wrap(path string, err error) error {
	if xerrors.Is(err, ErrCommunication) {
		return xerrors.Errorf("%s: %w", path, err)
	}
	return xerrors.Errorf("%s: %v: %w", path, err, ErrCommunication)
}
