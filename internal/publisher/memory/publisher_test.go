package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishAssignsSequentialIDs(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "task-completed", map[string]string{"task_id": "t1"})
	require.NoError(t, err)
	require.Equal(t, "local-1", id1)

	id2, err := pub.Publish(context.Background(), "task-completed", map[string]string{"task_id": "t2"})
	require.NoError(t, err)
	require.Equal(t, "local-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.False(t, msgs[0].PublishedAt.IsZero())
}

func TestByTopicFilters(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "task-completed", "a")
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "task-failed", "b")
	require.NoError(t, err)

	completed := pub.ByTopic("task-completed")
	require.Len(t, completed, 1)
	require.Equal(t, "a", completed[0].Payload)
	require.Empty(t, pub.ByTopic("unused"))
}

func TestMessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "task-completed", "a")
	require.NoError(t, err)

	msgs := pub.Messages()
	msgs[0].Topic = "mutated"
	require.Equal(t, "task-completed", pub.Messages()[0].Topic)
}
