package ingest

import (
	"context"
	"hash/fnv"

	"github.com/mbd888/payment-risk-engine/internal/riskevents"
)

// ChannelSource is the in-process default Source: a fixed number of
// buffered Go channels, one per partition, fed by Publish. This is the
// extension point a real broker client (kafka, sqs, nats) would replace;
// none of this codebase's examples depend on a broker client library, so
// no such client is wired here.
type ChannelSource struct {
	partitions []chan *riskevents.PaymentEvent
}

// ChannelSourceBuffer is the per-partition channel capacity.
const ChannelSourceBuffer = 1024

// NewChannelSource creates a ChannelSource with the given partition count.
func NewChannelSource(partitions int) *ChannelSource {
	if partitions <= 0 {
		partitions = 1
	}
	s := &ChannelSource{partitions: make([]chan *riskevents.PaymentEvent, partitions)}
	for i := range s.partitions {
		s.partitions[i] = make(chan *riskevents.PaymentEvent, ChannelSourceBuffer)
	}
	return s
}

// Events implements Source.
func (s *ChannelSource) Events(ctx context.Context, partition int) <-chan *riskevents.PaymentEvent {
	if partition < 0 || partition >= len(s.partitions) {
		ch := make(chan *riskevents.PaymentEvent)
		close(ch)
		return ch
	}
	return s.partitions[partition]
}

// Publish routes event to the partition its entity id hashes to,
// preserving per-entity ordering the way a keyed topic partition would.
// Blocks if that partition's buffer is full.
func (s *ChannelSource) Publish(ctx context.Context, event *riskevents.PaymentEvent) {
	p := s.partitionFor(event.EntityID())
	select {
	case s.partitions[p] <- event:
	case <-ctx.Done():
	}
}

// Partitions returns the partition count this source was created with.
func (s *ChannelSource) Partitions() int {
	return len(s.partitions)
}

func (s *ChannelSource) partitionFor(entityID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32()) % len(s.partitions)
}

// Close closes every partition channel. Callers must not call Publish
// after Close.
func (s *ChannelSource) Close() {
	for _, ch := range s.partitions {
		close(ch)
	}
}
