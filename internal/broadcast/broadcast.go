// Package broadcast fans out sequenced commands from the coordinator's
// admission critical section to every connected client link, with bounded
// retention so a momentarily lagging client can replay recent history
// without falling back to a full history_request page walk.
package broadcast

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/worldbus/worldbus/internal/wire"
)

// defaultRetention bounds how many recent sequenced commands are kept for
// replay to a lagging subscriber once every subscriber has acked past them.
const defaultRetention = 512

// ErrOutOfOrderAck signals that a subscriber attempted to acknowledge a
// sequence other than the next one it is expecting.
var ErrOutOfOrderAck = errors.New("broadcast: ack sequence must match the next pending seq")

// Stream is the coordinator's fan-out point. The seq on each published
// record is assigned upstream by the admission critical section (sessionlog
// is the source of truth for ordering); Stream only tracks retention and
// per-subscriber delivery/ack state.
type Stream struct {
	mu          sync.Mutex
	retention   int
	logOrder    []uint64
	logPayloads map[uint64]wire.SequencedCommand
	subscribers map[string]*subscriberState
}

type subscriberState struct {
	id      string
	pending []uint64
	lastAck uint64
	ch      chan wire.SequencedCommand
	active  bool
}

// Subscription exposes the delivery channel and ack helper for one client link.
type Subscription struct {
	id     string
	stream *Stream
	events <-chan wire.SequencedCommand
	once   sync.Once
}

// NewStream constructs a Stream retaining up to retain records (0 selects a default).
func NewStream(retain int) *Stream {
	if retain <= 0 {
		retain = defaultRetention
	}
	return &Stream{
		retention:   retain,
		logPayloads: make(map[uint64]wire.SequencedCommand),
		subscribers: make(map[string]*subscriberState),
	}
}

// Subscribe attaches subscriberID to the stream, replaying any record with
// seq greater than that subscriber's last ack (reconnect-safe: the
// subscriber ID persists across a client's transient socket lifetimes).
func (s *Stream) Subscribe(subscriberID string, buffer int) (*Subscription, error) {
	if s == nil {
		return nil, errors.New("broadcast: nil stream")
	}
	if subscriberID == "" {
		return nil, errors.New("broadcast: subscriber id must be provided")
	}
	if buffer <= 0 {
		buffer = 32
	}

	s.mu.Lock()
	state := s.ensureSubscriberLocked(subscriberID)
	replay := s.collectReplayLocked(state)
	ch := make(chan wire.SequencedCommand, buffer)
	state.ch = ch
	state.active = true
	state.pending = append([]uint64(nil), replay...)
	deliveries := s.prepareDeliveriesLocked(replay)
	s.mu.Unlock()

	go func() {
		for _, record := range deliveries {
			select {
			case ch <- record:
			default:
				// A full buffer here means the subscriber is already behind;
				// the client link falls back to history_request for the rest.
				return
			}
		}
	}()

	return &Subscription{id: subscriberID, stream: s, events: ch}, nil
}

// Events exposes the ordered delivery channel.
func (s *Subscription) Events() <-chan wire.SequencedCommand {
	if s == nil {
		return nil
	}
	return s.events
}

// Ack informs the stream that the subscriber has durably applied sequence.
func (s *Subscription) Ack(sequence uint64) error {
	if s == nil || s.stream == nil {
		return errors.New("broadcast: subscription closed")
	}
	return s.stream.ack(s.id, sequence)
}

// Close deactivates the subscription; retained history is kept for a later resubscribe.
func (s *Subscription) Close() {
	if s == nil || s.stream == nil {
		return
	}
	s.once.Do(func() {
		s.stream.deactivateSubscriber(s.id)
	})
}

func (s *Stream) ensureSubscriberLocked(subscriberID string) *subscriberState {
	state, ok := s.subscribers[subscriberID]
	if !ok {
		state = &subscriberState{id: subscriberID}
		s.subscribers[subscriberID] = state
	}
	return state
}

func (s *Stream) collectReplayLocked(state *subscriberState) []uint64 {
	replay := make([]uint64, 0, len(s.logOrder))
	for _, seq := range s.logOrder {
		if seq <= state.lastAck {
			continue
		}
		replay = append(replay, seq)
	}
	return replay
}

func (s *Stream) prepareDeliveriesLocked(sequences []uint64) []wire.SequencedCommand {
	deliveries := make([]wire.SequencedCommand, 0, len(sequences))
	for _, seq := range sequences {
		if payload, ok := s.logPayloads[seq]; ok {
			deliveries = append(deliveries, payload)
		}
	}
	return deliveries
}

// Publish fans record out to every active subscriber, best-effort (a full
// subscriber channel is skipped rather than blocking the coordinator's
// admission critical section — spec §4.3 step 5 is "best-effort").
func (s *Stream) Publish(record wire.SequencedCommand) {
	s.mu.Lock()
	s.logPayloads[record.Seq] = record
	s.logOrder = append(s.logOrder, record.Seq)

	var deliveries []delivery
	for _, state := range s.subscribers {
		state.pending = append(state.pending, record.Seq)
		if state.active && state.ch != nil {
			deliveries = append(deliveries, delivery{ch: state.ch, payload: record})
		}
	}
	s.enforceRetentionLocked()
	s.mu.Unlock()

	for _, item := range deliveries {
		select {
		case item.ch <- item.payload:
		default:
		}
	}
}

// Reset clears all retained history and subscriber ack state, used when a
// reset is admitted (the coordinator's own highest_seq restarts at 0).
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logOrder = nil
	s.logPayloads = make(map[uint64]wire.SequencedCommand)
	for _, state := range s.subscribers {
		state.pending = nil
		state.lastAck = 0
	}
}

type delivery struct {
	ch      chan<- wire.SequencedCommand
	payload wire.SequencedCommand
}

func (s *Stream) enforceRetentionLocked() {
	if len(s.logOrder) <= s.retention {
		return
	}
	minAck := s.logOrder[len(s.logOrder)-1]
	for _, state := range s.subscribers {
		if state.lastAck < minAck {
			minAck = state.lastAck
		}
	}
	cutoff := s.logOrder[len(s.logOrder)-s.retention]
	pruneBefore := minAck
	if cutoff < pruneBefore {
		pruneBefore = cutoff
	}
	if pruneBefore == 0 {
		return
	}
	idx := sort.Search(len(s.logOrder), func(i int) bool { return s.logOrder[i] > pruneBefore })
	for _, seq := range s.logOrder[:idx] {
		delete(s.logPayloads, seq)
	}
	s.logOrder = append([]uint64(nil), s.logOrder[idx:]...)
}

func (s *Stream) ack(subscriberID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("broadcast: unknown subscriber %q", subscriberID)
	}
	if len(state.pending) == 0 {
		if sequence <= state.lastAck {
			return nil
		}
		return ErrOutOfOrderAck
	}
	expected := state.pending[0]
	if sequence != expected {
		return ErrOutOfOrderAck
	}
	state.pending = state.pending[1:]
	state.lastAck = sequence
	s.enforceRetentionLocked()
	return nil
}

func (s *Stream) deactivateSubscriber(subscriberID string) {
	s.mu.Lock()
	state, ok := s.subscribers[subscriberID]
	if ok {
		state.active = false
		if state.ch != nil {
			close(state.ch)
			state.ch = nil
		}
	}
	s.mu.Unlock()
}
