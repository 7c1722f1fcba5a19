package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-agent/backend/internal/storage/models"
)

func TestBrokerDeliversPerCampaign(t *testing.T) {
	b := NewBroker(4)
	summer, unsubscribe := b.Subscribe("summer")
	defer unsubscribe()
	winter, unsubscribeWinter := b.Subscribe("winter")
	defer unsubscribeWinter()

	b.Publish(Event{Type: TypeRunState, CampaignID: "summer", State: models.RunSegmenting})

	got := <-summer
	assert.Equal(t, models.RunSegmenting, got.State)
	assert.False(t, got.At.IsZero())
	assert.Empty(t, winter)
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker(1)
	ch, unsubscribe := b.Subscribe("c")

	b.Publish(Event{CampaignID: "c", Type: "1"})
	b.Publish(Event{CampaignID: "c", Type: "2"})

	require.Len(t, ch, 1)
	assert.Equal(t, "1", (<-ch).Type)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	b.Publish(Event{CampaignID: "c"})
}
