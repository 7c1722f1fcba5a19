// Package events fans pipeline progress out to live subscribers.
package events

import (
	"sync"
	"time"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
)

const (
	TypeRunState      = "run_state"
	TypeSegmentStatus = "segment_status"
	TypeRunFinished   = "run_finished"
)

type Event struct {
	Type       string               `json:"type"`
	RunID      string               `json:"run_id"`
	CampaignID string               `json:"campaign_id"`
	SegmentID  string               `json:"segment_id,omitempty"`
	State      models.RunState      `json:"state,omitempty"`
	Status     models.SegmentStatus `json:"segment_status,omitempty"`
	Failure    *apperr.Failure      `json:"failure,omitempty"`
	At         time.Time            `json:"at"`
}

// Broker delivers events per campaign. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		subs:   make(map[string]map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe returns a channel of the campaign's events and a function that
// unsubscribes and closes it.
func (b *Broker) Subscribe(campaignID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	if b.subs[campaignID] == nil {
		b.subs[campaignID] = make(map[chan Event]struct{})
	}
	b.subs[campaignID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[campaignID], ch)
			if len(b.subs[campaignID]) == 0 {
				delete(b.subs, campaignID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[e.CampaignID] {
		select {
		case ch <- e:
		default:
		}
	}
}
