package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/models"
)

// Store is the durable plane the bus persists to and replays from.
type Store interface {
	AppendEvent(ctx context.Context, event *models.BuildEvent) error
	ListEventsAfter(ctx context.Context, buildID, afterEventID string, limit int) ([]models.BuildEvent, error)
}

// Subscription is a live event stream for one build. C delivers events
// in insertion order; Close must be called when done.
type Subscription struct {
	C   <-chan Event
	bus *Bus
	sub *subscriber
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.sub)
}

// DroppedCritical reports whether a critical event could not be
// delivered within the bounded wait and was dropped. Consumers seeing
// the flag should re-sync via Replay.
func (s *Subscription) DroppedCritical() bool {
	return s.sub.droppedCritical.Load()
}

type subscriber struct {
	buildID string
	ch      chan Event
	lastID  string
	mu      sync.Mutex

	droppedCritical atomic.Bool
}

// ErrReplayOverflow means the cursor was too far behind to replay into
// the live window; the caller should page through Replay instead.
var ErrReplayOverflow = errors.New("replay exceeds subscriber window")

// Bus is the two-plane event bus.
type Bus struct {
	store Store
	cfg   *config.EventsConfig

	mu   sync.Mutex
	subs map[string][]*subscriber // build_id → live subscribers

	// publishMu serializes id assignment, persistence, and fan-out so
	// subscribers observe events in insertion order. lastPublished
	// tracks the highest id seen per build to detect publishers that
	// supply a regressed pre-assigned id; guarded by publishMu.
	publishMu     sync.Mutex
	lastPublished map[string]string
}

// NewBus creates a bus over the given durable store.
func NewBus(store Store, cfg *config.EventsConfig) *Bus {
	if cfg == nil {
		cfg = config.DefaultEventsConfig()
	}
	return &Bus{
		store:         store,
		cfg:           cfg,
		subs:          make(map[string][]*subscriber),
		lastPublished: make(map[string]string),
	}
}

// Publish assigns the total-order id, persists the event, then fans it
// out to the build's live subscribers, all under publishMu so each
// subscriber sees events in insertion order. Persistence failures are
// logged but never block the ephemeral plane.
func (b *Bus) Publish(ctx context.Context, event Event) Event {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.EventID == "" {
		event.EventID = NewEventID(event.CreatedAt)
	}

	if b.store != nil {
		record := &models.BuildEvent{
			EventID:   event.EventID,
			BuildID:   event.BuildID,
			OrgID:     event.OrgID,
			Kind:      event.Kind,
			StageName: event.StageName,
			StepName:  event.StepName,
			CreatedAt: event.CreatedAt,
		}
		if event.Payload != nil {
			if raw, err := json.Marshal(event.Payload); err == nil {
				record.Payload = raw
			}
		}
		if err := b.store.AppendEvent(ctx, record); err != nil {
			slog.Error("Failed to persist build event",
				"build_id", event.BuildID, "kind", event.Kind, "error", err)
		}
	}

	// A remote publisher (agent-forwarded events carry pre-assigned
	// ids) can arrive behind an id already fanned out; subscribers past
	// that cursor have a gap they must fill through Replay.
	outOfOrder := event.EventID <= b.lastPublished[event.BuildID]
	if !outOfOrder {
		b.lastPublished[event.BuildID] = event.EventID
	}

	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs[event.BuildID]))
	copy(subs, b.subs[event.BuildID])
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, event, outOfOrder)
	}
	if event.Kind == KindBuildCompleted {
		delete(b.lastPublished, event.BuildID)
	}
	return event
}

// deliver sends one event to one subscriber, respecting its cursor and
// the sliding-window back-pressure policy.
func (b *Bus) deliver(sub *subscriber, event Event, outOfOrder bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if event.EventID <= sub.lastID {
		// Already replayed from the store, unless the id regressed at
		// the publisher; then this subscriber genuinely missed it.
		if outOfOrder && Critical(event.Kind) {
			sub.droppedCritical.Store(true)
			slog.Warn("Out-of-order critical event skipped at subscriber cursor",
				"build_id", event.BuildID, "kind", event.Kind, "event_id", event.EventID)
		}
		return
	}

	if Critical(event.Kind) {
		select {
		case sub.ch <- event:
			sub.lastID = event.EventID
			return
		case <-time.After(b.cfg.CriticalPublishWait):
			// Bounded wait exhausted: make room by dropping the oldest
			// buffered event, then flag the gap.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
				sub.lastID = event.EventID
			default:
			}
			sub.droppedCritical.Store(true)
			slog.Warn("Dropped buffered event to deliver critical event",
				"build_id", event.BuildID, "kind", event.Kind)
			return
		}
	}

	select {
	case sub.ch <- event:
		sub.lastID = event.EventID
	default:
		// Window full: drop the oldest buffered event in publication
		// order, then retry once.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- event:
			sub.lastID = event.EventID
		default:
		}
	}
}

// Subscribe attaches a live subscriber for a build. When afterEventID
// is non-empty (or zero for full history), persisted events after the
// cursor are replayed into the stream first; events published during
// replay are deduplicated by the cursor, so the stream stays ordered
// without gaps.
func (b *Bus) Subscribe(ctx context.Context, buildID, afterEventID string) (*Subscription, error) {
	sub := &subscriber{
		buildID: buildID,
		ch:      make(chan Event, b.cfg.SubscriberWindow),
		lastID:  afterEventID,
	}

	// Register before replay so publications during the replay query
	// are buffered rather than lost; the cursor check in deliver
	// prevents duplicates.
	b.mu.Lock()
	b.subs[buildID] = append(b.subs[buildID], sub)
	b.mu.Unlock()

	if b.store != nil {
		replayed, err := b.store.ListEventsAfter(ctx, buildID, afterEventID, 0)
		if err != nil {
			b.unsubscribe(sub)
			return nil, err
		}
		sub.mu.Lock()
		for _, record := range replayed {
			if record.EventID <= sub.lastID {
				continue
			}
			event := fromRecord(record)
			select {
			case sub.ch <- event:
				sub.lastID = record.EventID
			default:
				sub.mu.Unlock()
				b.unsubscribe(sub)
				return nil, ErrReplayOverflow
			}
		}
		sub.mu.Unlock()
	}

	return &Subscription{C: sub.ch, bus: b, sub: sub}, nil
}

// Replay returns up to limit persisted events after the cursor, in
// insertion order.
func (b *Bus) Replay(ctx context.Context, buildID, afterEventID string, limit int) ([]Event, error) {
	if b.store == nil {
		return nil, nil
	}
	records, err := b.store.ListEventsAfter(ctx, buildID, afterEventID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(records))
	for _, record := range records {
		out = append(out, fromRecord(record))
	}
	return out, nil
}

func (b *Bus) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.buildID]
	for i, candidate := range subs {
		if candidate == sub {
			b.subs[sub.buildID] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(b.subs[sub.buildID]) == 0 {
		delete(b.subs, sub.buildID)
	}
}

// SubscriberCount returns the live subscriber count for a build.
// Used by tests to poll instead of sleeping.
func (b *Bus) SubscriberCount(buildID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[buildID])
}

func fromRecord(record models.BuildEvent) Event {
	event := Event{
		EventID:   record.EventID,
		BuildID:   record.BuildID,
		OrgID:     record.OrgID,
		Kind:      record.Kind,
		StageName: record.StageName,
		StepName:  record.StepName,
		CreatedAt: record.CreatedAt,
	}
	if len(record.Payload) > 0 {
		_ = json.Unmarshal(record.Payload, &event.Payload)
	}
	return event
}
