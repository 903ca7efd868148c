package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type tagged struct{ spider string }

func (t tagged) Attributes() map[string]string { return map[string]string{"spider": t.spider} }

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "articles", tagged{spider: "bbc"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)
	id, err = pub.Publish(context.Background(), "articles", "plain")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "bbc", msgs[0].Attributes["spider"])
	require.Nil(t, msgs[1].Attributes)

	msgs[0].Topic = "modified"
	require.Equal(t, "articles", pub.Messages()[0].Topic)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.FailWith(errors.New("unavailable"))
	_, err := pub.Publish(context.Background(), "articles", "x")
	require.EqualError(t, err, "unavailable")
	require.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "articles", "x")
	require.NoError(t, err)
}
