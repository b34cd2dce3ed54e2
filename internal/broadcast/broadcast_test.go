package broadcast

import (
	"testing"

	"github.com/worldbus/worldbus/internal/wire"
)

func rec(seq uint64) wire.SequencedCommand {
	return wire.SequencedCommand{Seq: seq, Command: wire.Command{Username: "a", Text: "x"}}
}

func TestPublishDeliversInOrder(t *testing.T) {
	s := NewStream(0)
	sub, err := s.Subscribe("client-a", 8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	s.Publish(rec(1))
	s.Publish(rec(2))

	for _, want := range []uint64{1, 2} {
		got := <-sub.Events()
		if got.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, got.Seq)
		}
	}
}

func TestSubscribeReplaysUnackedHistory(t *testing.T) {
	s := NewStream(0)
	first, _ := s.Subscribe("client-a", 8)
	s.Publish(rec(1))
	s.Publish(rec(2))
	<-first.Events()
	<-first.Events()
	first.Close()

	resumed, err := s.Subscribe("client-a", 8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// No acks were issued, so both records should replay.
	got1 := <-resumed.Events()
	got2 := <-resumed.Events()
	if got1.Seq != 1 || got2.Seq != 2 {
		t.Fatalf("expected replay of seq 1,2, got %d,%d", got1.Seq, got2.Seq)
	}
}

func TestAckAdvancesAndPrunesRetention(t *testing.T) {
	s := NewStream(1)
	sub, _ := s.Subscribe("client-a", 8)

	s.Publish(rec(1))
	<-sub.Events()
	if err := sub.Ack(1); err != nil {
		t.Fatalf("Ack(1): %v", err)
	}

	s.Publish(rec(2))
	<-sub.Events()
	if err := sub.Ack(2); err != nil {
		t.Fatalf("Ack(2): %v", err)
	}

	if _, ok := s.logPayloads[1]; ok {
		t.Fatal("expected seq 1 to be pruned after ack and retention overflow")
	}
}

func TestAckOutOfOrderRejected(t *testing.T) {
	s := NewStream(0)
	sub, _ := s.Subscribe("client-a", 8)
	s.Publish(rec(1))
	s.Publish(rec(2))
	<-sub.Events()
	<-sub.Events()

	if err := sub.Ack(2); err != ErrOutOfOrderAck {
		t.Fatalf("expected ErrOutOfOrderAck, got %v", err)
	}
}

func TestResetClearsHistory(t *testing.T) {
	s := NewStream(0)
	sub, _ := s.Subscribe("client-a", 8)
	s.Publish(rec(1))
	<-sub.Events()
	sub.Ack(1)

	s.Reset()

	if len(s.logOrder) != 0 {
		t.Fatalf("expected empty log order after reset, got %v", s.logOrder)
	}
}
