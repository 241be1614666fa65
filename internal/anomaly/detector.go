package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/neogan74/overseer/internal/apperr"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/metrics"
	"github.com/neogan74/overseer/internal/persistence"
)

var (
	ErrNotFound        = errors.New("anomaly not found")
	ErrAlreadyReviewed = errors.New("anomaly already reviewed")
)

const keyPrefix = "anomaly/"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options configures a Detector.
type Options struct {
	Clock func() time.Time
	// OnRecord is called after an event is stored.
	OnRecord func(Event)
}

// Detector is the anomaly event store. Events are kept ordered by timestamp.
type Detector struct {
	engine   persistence.Engine
	log      logger.Logger
	clock    func() time.Time
	onRecord func(Event)

	mu     sync.RWMutex
	events []Event
	index  map[string]int
}

// NewDetector reloads persisted events from engine.
func NewDetector(engine persistence.Engine, opts Options, log logger.Logger) (*Detector, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	d := &Detector{
		engine:   engine,
		log:      log.WithComponent("anomaly"),
		clock:    opts.Clock,
		onRecord: opts.OnRecord,
		index:    make(map[string]int),
	}

	items, err := engine.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load anomalies: %w", err)
	}
	for _, item := range items {
		var e Event
		if err := json.Unmarshal(item.Value, &e); err != nil {
			d.log.Warn("Skipping unreadable anomaly", logger.String("key", item.Key), logger.Error(err))
			continue
		}
		d.events = append(d.events, e)
	}
	sort.SliceStable(d.events, func(i, j int) bool { return d.events[i].Timestamp.Before(d.events[j].Timestamp) })
	d.reindex()

	return d, nil
}

func (d *Detector) reindex() {
	d.index = make(map[string]int, len(d.events))
	for i, e := range d.events {
		d.index[e.ID] = i
	}
}

// Record stores a new event. The id and timestamp are assigned here and
// events of Medium severity or above require review.
func (d *Detector) Record(ctx context.Context, e Event) (Event, error) {
	if err := validate.Struct(e); err != nil {
		return Event{}, apperr.Wrap(apperr.CodeValidation, "invalid anomaly event", err)
	}
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	e.ID = uuid.NewString()
	e.Timestamp = d.clock().UTC()
	e.RequiresReview = e.Severity.AtLeast(SeverityMedium)
	e.ReviewedAt = nil
	e.ReviewedBy = ""

	data, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode anomaly: %w", err)
	}

	d.mu.Lock()
	if err := d.engine.Put(keyPrefix+e.ID, data); err != nil {
		d.mu.Unlock()
		return Event{}, fmt.Errorf("failed to store anomaly: %w", err)
	}
	pos := sort.Search(len(d.events), func(i int) bool { return d.events[i].Timestamp.After(e.Timestamp) })
	d.events = append(d.events, Event{})
	copy(d.events[pos+1:], d.events[pos:])
	d.events[pos] = e
	d.reindex()
	d.mu.Unlock()

	metrics.AnomaliesTotal.WithLabelValues(e.Type, string(e.Severity)).Inc()
	d.log.Info("Anomaly recorded",
		logger.String("id", e.ID),
		logger.String("type", e.Type),
		logger.String("severity", string(e.Severity)),
		logger.String("source", e.Source))

	if d.onRecord != nil {
		d.onRecord(e)
	}
	return e, nil
}

// Events returns events at or after since, oldest first. A zero since
// returns everything.
func (d *Detector) Events(since time.Time) []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()

	start := 0
	if !since.IsZero() {
		start = sort.Search(len(d.events), func(i int) bool { return !d.events[i].Timestamp.Before(since) })
	}
	out := make([]Event, len(d.events)-start)
	copy(out, d.events[start:])
	return out
}

// Get returns the event with the given id.
func (d *Detector) Get(id string) (Event, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	i, ok := d.index[id]
	if !ok {
		return Event{}, apperr.Wrap(apperr.CodeNotFound, fmt.Sprintf("anomaly '%s' not found", id), ErrNotFound)
	}
	return d.events[i], nil
}

// MarkReviewed clears the review flag. It succeeds at most once per event.
func (d *Detector) MarkReviewed(ctx context.Context, id, reviewer string) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	i, ok := d.index[id]
	if !ok {
		return Event{}, apperr.Wrap(apperr.CodeNotFound, fmt.Sprintf("anomaly '%s' not found", id), ErrNotFound)
	}
	current := d.events[i]
	if current.Reviewed() {
		return Event{}, apperr.Wrap(apperr.CodeAlreadyResolved, fmt.Sprintf("anomaly '%s' is already reviewed", id), ErrAlreadyReviewed)
	}

	now := d.clock().UTC()
	updated := current
	updated.RequiresReview = false
	updated.ReviewedAt = &now
	updated.ReviewedBy = reviewer

	data, err := json.Marshal(updated)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode anomaly: %w", err)
	}
	if err := d.engine.Put(keyPrefix+id, data); err != nil {
		return Event{}, fmt.Errorf("failed to store anomaly review: %w", err)
	}
	d.events[i] = updated

	d.log.Info("Anomaly reviewed", logger.String("id", id), logger.String("reviewer", reviewer))
	return updated, nil
}

// MaxSeverity returns the highest severity recorded at or after since for
// events matching source or, when non-empty, agentID. It returns "" when
// nothing matches.
func (d *Detector) MaxSeverity(source, agentID string, since time.Time) Severity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var highest Severity
	for i := len(d.events) - 1; i >= 0; i-- {
		e := d.events[i]
		if e.Timestamp.Before(since) {
			break
		}
		if e.Source != source && (agentID == "" || e.AgentID != agentID) {
			continue
		}
		if e.Severity.Rank() > highest.Rank() {
			highest = e.Severity
		}
	}
	return highest
}

// Count returns the number of recorded events.
func (d *Detector) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.events)
}
