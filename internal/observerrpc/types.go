package observerrpc

import (
	"context"

	"github.com/worldbus/worldbus/internal/broadcast"
	"github.com/worldbus/worldbus/internal/wire"
)

// BroadcastSource is satisfied by *broadcast.Stream; separated into an
// interface so the service can be exercised without a live stream.
type BroadcastSource interface {
	Subscribe(subscriberID string, buffer int) (Subscription, error)
}

// Subscription is the minimal surface the service needs from
// *broadcast.Subscription.
type Subscription interface {
	Events() <-chan wire.SequencedCommand
	Ack(sequence uint64) error
	Close()
}

// CommandSink accepts a remotely submitted command into the coordinator's
// admission critical section, mirroring what a TCP client link would do.
type CommandSink interface {
	Submit(ctx context.Context, cmd wire.Command) (seq uint64, err error)
}

// SubmitResult summarises how a submitted command was handled.
type SubmitResult struct {
	Accepted bool
	Seq      uint64
	Err      error
}

// StreamAdapter wraps *broadcast.Stream so it satisfies BroadcastSource;
// broadcast.Subscription is returned as a concrete type rather than the
// narrower Subscription interface this package tests against.
type StreamAdapter struct {
	Stream *broadcast.Stream
}

// Subscribe implements BroadcastSource.
func (a StreamAdapter) Subscribe(subscriberID string, buffer int) (Subscription, error) {
	sub, err := a.Stream.Subscribe(subscriberID, buffer)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
