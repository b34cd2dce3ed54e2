package observerrpc

import (
	"context"
	"errors"
	"io"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/worldbus/worldbus/internal/wire"
)

type subscriptionStub struct {
	ch     chan wire.SequencedCommand
	acked  []uint64
	ackErr error
}

func (s *subscriptionStub) Events() <-chan wire.SequencedCommand { return s.ch }

func (s *subscriptionStub) Ack(sequence uint64) error {
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, sequence)
	return nil
}

func (s *subscriptionStub) Close() {}

type broadcastStub struct {
	sub *subscriptionStub
	err error
}

func (b *broadcastStub) Subscribe(string, int) (Subscription, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.sub, nil
}

type sinkStub struct {
	submitted []wire.Command
	err       error
	nextSeq   uint64
}

func (s *sinkStub) Submit(ctx context.Context, cmd wire.Command) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.nextSeq++
	s.submitted = append(s.submitted, cmd)
	return s.nextSeq, nil
}

type watchStreamStub struct {
	ctx    context.Context
	frames []*structpb.Struct
}

func (s *watchStreamStub) Send(m *structpb.Struct) error {
	s.frames = append(s.frames, m)
	return nil
}

func (s *watchStreamStub) SetHeader(metadata.MD) error  { return nil }
func (s *watchStreamStub) SendHeader(metadata.MD) error { return nil }
func (s *watchStreamStub) SetTrailer(metadata.MD)       {}
func (s *watchStreamStub) Context() context.Context     { return s.ctx }
func (s *watchStreamStub) SendMsg(m any) error           { return s.Send(m.(*structpb.Struct)) }
func (s *watchStreamStub) RecvMsg(any) error             { return nil }

var _ Observer_WatchServer = (*watchStreamStub)(nil)

type submitStreamStub struct {
	ctx    context.Context
	frames []*structpb.Struct
	index  int
	ack    *structpb.Struct
}

func (s *submitStreamStub) SendAndClose(m *structpb.Struct) error {
	s.ack = m
	return nil
}

func (s *submitStreamStub) Recv() (*structpb.Struct, error) {
	if s.index >= len(s.frames) {
		return nil, io.EOF
	}
	frame := s.frames[s.index]
	s.index++
	return frame, nil
}

func (s *submitStreamStub) SetHeader(metadata.MD) error  { return nil }
func (s *submitStreamStub) SendHeader(metadata.MD) error { return nil }
func (s *submitStreamStub) SetTrailer(metadata.MD)       {}
func (s *submitStreamStub) Context() context.Context     { return s.ctx }
func (s *submitStreamStub) SendMsg(any) error             { return nil }
func (s *submitStreamStub) RecvMsg(any) error             { return nil }

var _ Observer_SubmitCommandsServer = (*submitStreamStub)(nil)

func TestServiceWatchStreamsSequencedCommands(t *testing.T) {
	ch := make(chan wire.SequencedCommand, 1)
	ch <- wire.SequencedCommand{Seq: 1, Timestamp: 100, Command: wire.Command{Username: "alice", Text: "look north"}}
	close(ch)
	sub := &subscriptionStub{ch: ch}
	service := NewService(&broadcastStub{sub: sub}, &sinkStub{})

	stream := &watchStreamStub{ctx: context.Background()}
	if err := service.Watch(&emptypb.Empty{}, stream); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(stream.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(stream.frames))
	}
	if got := stream.frames[0].Fields["seq"].GetNumberValue(); got != 1 {
		t.Fatalf("unexpected seq field: %v", got)
	}
	if len(sub.acked) != 1 || sub.acked[0] != 1 {
		t.Fatalf("expected ack for seq 1, got %+v", sub.acked)
	}
}

func TestServiceWatchSubscribeError(t *testing.T) {
	service := NewService(&broadcastStub{err: errors.New("boom")}, &sinkStub{})
	stream := &watchStreamStub{ctx: context.Background()}
	err := service.Watch(&emptypb.Empty{}, stream)
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestServiceSubmitCommandsAggregatesAck(t *testing.T) {
	good, err := structpb.NewStruct(map[string]any{"username": "alice", "text": "go"})
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	bad, err := structpb.NewStruct(map[string]any{"text": "missing username"})
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	sink := &sinkStub{}
	service := NewService(&broadcastStub{}, sink)
	stream := &submitStreamStub{ctx: context.Background(), frames: []*structpb.Struct{good, bad}}

	if err := service.SubmitCommands(stream); err != nil {
		t.Fatalf("submit commands: %v", err)
	}
	if stream.ack == nil {
		t.Fatal("missing ack")
	}
	if stream.ack.Fields["accepted"].GetNumberValue() != 1 {
		t.Fatalf("unexpected accepted count: %+v", stream.ack)
	}
	if stream.ack.Fields["rejected"].GetNumberValue() != 1 {
		t.Fatalf("unexpected rejected count: %+v", stream.ack)
	}
	if len(sink.submitted) != 1 || sink.submitted[0].Username != "alice" {
		t.Fatalf("unexpected submitted commands: %+v", sink.submitted)
	}
}

func TestServiceSubmitCommandsSinkError(t *testing.T) {
	good, err := structpb.NewStruct(map[string]any{"username": "alice", "text": "go"})
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	sink := &sinkStub{err: errors.New("rejected")}
	service := NewService(&broadcastStub{}, sink)
	stream := &submitStreamStub{ctx: context.Background(), frames: []*structpb.Struct{good}}

	if err := service.SubmitCommands(stream); err != nil {
		t.Fatalf("submit commands: %v", err)
	}
	if stream.ack.Fields["rejected"].GetNumberValue() != 1 {
		t.Fatalf("expected rejection recorded: %+v", stream.ack)
	}
}
