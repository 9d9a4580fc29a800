package liveevents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFansOutToProjectSubscribers(t *testing.T) {
	hub := NewHub()

	sub, backlog, err := hub.Subscribe("42")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog)

	other, _, err := hub.Subscribe("43")
	require.NoError(t, err)
	defer other.Close()

	hub.Publish("42", LiveEvent{EventID: "1", ProjectID: "42", Status: StatusAccepted})

	select {
	case event := <-sub.Events():
		assert.Equal(t, "1", event.EventID)
	case <-time.After(time.Second):
		t.Fatal("expected event for project 42")
	}

	select {
	case event := <-other.Events():
		t.Fatalf("unexpected event for project 43: %+v", event)
	default:
	}
}

func TestHubReplaysBacklogToLateSubscribers(t *testing.T) {
	hub := NewHub()
	first, _, err := hub.Subscribe("42")
	require.NoError(t, err)
	defer first.Close()

	for i := 0; i < DefaultBufferSize+5; i++ {
		hub.Publish("42", LiveEvent{EventID: "e", ProjectID: "42"})
	}

	late, backlog, err := hub.Subscribe("42")
	require.NoError(t, err)
	defer late.Close()
	assert.Len(t, backlog, DefaultBufferSize)
}

func TestHubDropsStreamWhenLastSubscriberLeaves(t *testing.T) {
	hub := NewHub()
	sub, _, err := hub.Subscribe("42")
	require.NoError(t, err)
	hub.Publish("42", LiveEvent{EventID: "1"})

	sub.Close()
	sub.Close()

	_, backlog, err := hub.Subscribe("42")
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestHubRejectsBlankProject(t *testing.T) {
	_, _, err := NewHub().Subscribe("  ")
	assert.Error(t, err)

	var nilHub *Hub
	_, _, err = nilHub.Subscribe("42")
	assert.Error(t, err)
	nilHub.Publish("42", LiveEvent{})
}
