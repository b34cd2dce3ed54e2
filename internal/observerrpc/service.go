// Package observerrpc is an optional network hot path for out-of-process
// viewers, alongside the filesystem-of-record the sequencer and rule loop
// actually read from. It mirrors the broadcast stream over a server-
// streaming RPC and accepts remotely submitted commands over a client-
// streaming RPC, both carrying well-known protobuf types since this
// environment cannot run protoc/buf to generate message stubs.
package observerrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/worldbus/worldbus/internal/wire"
)

// Option customises the behaviour of the observer gRPC service.
type Option func(*Service)

// WithCompressor overrides the default payload compressor.
func WithCompressor(compressor Compressor) Option {
	return func(s *Service) {
		if compressor != nil {
			s.compressor = compressor
		}
	}
}

// Service implements the hand-registered Observer service described in
// streamdesc.go.
type Service struct {
	broadcast  BroadcastSource
	sink       CommandSink
	compressor Compressor
}

// NewService wires the observer service to the coordinator's broadcast
// fan-out and command sink.
func NewService(broadcast BroadcastSource, sink CommandSink, opts ...Option) *Service {
	service := &Service{broadcast: broadcast, sink: sink, compressor: NewGZIPCompressor()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// Watch relays every sequenced command admitted by the coordinator to a
// read-only out-of-process viewer, oldest-to-newest, acking as it goes so
// retention in the underlying stream can advance.
func (s *Service) Watch(_ *emptypb.Empty, stream Observer_WatchServer) error {
	if s == nil || s.broadcast == nil {
		return status.Error(codes.FailedPrecondition, "watch unavailable")
	}
	ctx := stream.Context()
	sub, err := s.broadcast.Subscribe(fmt.Sprintf("observerrpc-%p", stream), 64)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe: %v", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case record, ok := <-sub.Events():
			if !ok {
				return nil
			}
			payload, err := sequencedCommandToStruct(record)
			if err != nil {
				return status.Errorf(codes.Internal, "encode record: %v", err)
			}
			if err := stream.Send(payload); err != nil {
				return err
			}
			if err := sub.Ack(record.Seq); err != nil {
				return status.Errorf(codes.Internal, "ack: %v", err)
			}
		}
	}
}

// SubmitCommands ingests remotely submitted commands and forwards them to
// the coordinator's admission critical section, returning an aggregated
// acknowledgement once the client closes the stream.
func (s *Service) SubmitCommands(stream Observer_SubmitCommandsServer) error {
	if s == nil || s.sink == nil {
		return status.Error(codes.FailedPrecondition, "submit unavailable")
	}
	ctx := stream.Context()
	var accepted, rejected int64

	for {
		payload, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			ack, encodeErr := structpb.NewStruct(map[string]any{
				"accepted": accepted,
				"rejected": rejected,
			})
			if encodeErr != nil {
				return status.Errorf(codes.Internal, "encode ack: %v", encodeErr)
			}
			return stream.SendAndClose(ack)
		}
		if err != nil {
			return err
		}
		cmd, err := structToCommand(payload)
		if err != nil {
			rejected++
			continue
		}
		if _, err := s.sink.Submit(ctx, cmd); err != nil {
			rejected++
			continue
		}
		accepted++
	}
}

func sequencedCommandToStruct(record wire.SequencedCommand) (*structpb.Struct, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal sequenced command: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal sequenced command: %w", err)
	}
	return structpb.NewStruct(fields)
}

func structToCommand(payload *structpb.Struct) (wire.Command, error) {
	if payload == nil {
		return wire.Command{}, errors.New("observerrpc: nil command payload")
	}
	usernameValue := payload.Fields["username"].GetStringValue()
	textValue := payload.Fields["text"].GetStringValue()
	if usernameValue == "" {
		return wire.Command{}, errors.New("observerrpc: command missing username")
	}
	return wire.Command{Username: usernameValue, Text: textValue}, nil
}
