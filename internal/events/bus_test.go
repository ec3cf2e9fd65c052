package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTriggerReachesSubscriber(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.On("thing_happened", "", func(e Event) { got = append(got, e) })

	bus.Trigger("thing_happened", "site-a", 42)

	assert.Len(t, got, 1)
	assert.Equal(t, "thing_happened", got[0].Name)
	assert.Equal(t, "site-a", got[0].SiteID)
	assert.Equal(t, 42, got[0].Payload)
}

func TestSiteFiltering(t *testing.T) {
	bus := NewBus()

	var siteA, siteB, all int
	bus.On("e", "site-a", func(Event) { siteA++ })
	bus.On("e", "site-b", func(Event) { siteB++ })
	bus.On("e", "", func(Event) { all++ })

	bus.Trigger("e", "site-a", nil)
	bus.Trigger("e", "site-a", nil)
	bus.Trigger("e", "site-b", nil)

	assert.Equal(t, 2, siteA)
	assert.Equal(t, 1, siteB)
	assert.Equal(t, 3, all)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	var count int
	off := bus.On("e", "", func(Event) { count++ })

	bus.Trigger("e", "", nil)
	off()
	bus.Trigger("e", "", nil)

	assert.Equal(t, 1, count)
}

func TestTriggerWithoutSubscribers(t *testing.T) {
	bus := NewBus()

	// Must not panic or block.
	bus.Trigger("nobody_listens", "site-a", nil)
}

func TestDifferentEventNamesAreIndependent(t *testing.T) {
	bus := NewBus()

	var count int
	bus.On("wanted", "", func(Event) { count++ })

	bus.Trigger("other", "", nil)
	assert.Equal(t, 0, count)
}
