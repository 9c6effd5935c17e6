package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func payloads(evs []Event) []any {
	out := make([]any, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Payload)
	}
	return out
}

func TestJournalKeepsNewestEvents(t *testing.T) {
	hub := NewHub()
	j := NewJournal(3)
	j.Follow(hub, TopicResolutionError, TopicCachesCleared)
	ctx := context.Background()

	hub.Publish(ctx, TopicResolutionError, 1, nil)
	hub.Publish(ctx, TopicProviderChosen, "ignored", nil)
	hub.Publish(ctx, TopicCachesCleared, 2, nil)
	require.Equal(t, []any{2, 1}, payloads(j.Recent(0)))

	hub.Publish(ctx, TopicResolutionError, 3, nil)
	hub.Publish(ctx, TopicResolutionError, 4, nil)
	require.Equal(t, []any{4, 3, 2}, payloads(j.Recent(0)))
	require.Equal(t, []any{4}, payloads(j.Recent(1)))

	j.Close()
	hub.Publish(ctx, TopicResolutionError, 5, nil)
	require.Equal(t, []any{4, 3, 2}, payloads(j.Recent(0)))
	require.Zero(t, hub.Subscribers(TopicResolutionError))
}
