package tabs

import (
	"context"
	"fmt"
	"testing"

	"github.com/italolelis/streamgrab/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_DedupsByRawURL(t *testing.T) {
	h := NewHub(0)
	h.Navigate(1, "vid-1")

	added := h.Register(1,
		media.StreamDescriptor{URL: "https://cdn.example/a.mp4?t=1", Kind: media.KindMP4, QualityLabel: "720p"},
		media.StreamDescriptor{URL: "https://cdn.example/a.mp4?t=1", Kind: media.KindMP4, QualityLabel: "720p"},
		media.StreamDescriptor{URL: "https://cdn.example/a.mp4?t=2", Kind: media.KindMP4, QualityLabel: "720p"},
		media.StreamDescriptor{URL: ""},
	)
	assert.Equal(t, 2, added)

	streams := h.Streams(1)
	require.Len(t, streams, 2)
	assert.Equal(t, 1, streams[0].SourceTabID)
	assert.Equal(t, "vid-1", streams[0].VideoID)

	assert.Equal(t, 0, h.Register(1, media.StreamDescriptor{URL: "https://cdn.example/a.mp4?t=1"}))
}

func TestNavigate_ResetsStreamsForNewVideo(t *testing.T) {
	h := NewHub(0)

	h.Navigate(1, "vid-1")
	h.Register(1, media.StreamDescriptor{URL: "https://cdn.example/a.m3u8"})

	h.Navigate(1, "vid-1")
	assert.Len(t, h.Streams(1), 1)

	h.Navigate(1, "vid-2")
	assert.Empty(t, h.Streams(1))

	id, ok := h.VideoID(1)
	require.True(t, ok)
	assert.Equal(t, "vid-2", id)

	assert.Equal(t, 1, h.Register(1, media.StreamDescriptor{URL: "https://cdn.example/a.m3u8"}))
}

func TestSendAndDrain(t *testing.T) {
	ctx := context.Background()
	h := NewHub(3)

	err := h.Send(ctx, 9, media.Event{Type: media.EventDownloadStarted})
	require.ErrorIs(t, err, ErrTabNotFound)

	h.Navigate(9, "vid")

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Send(ctx, 9, media.Event{Type: media.EventDownloadStarted, TabID: 9, DownloadID: fmt.Sprint(i)}))
	}

	events := h.Drain(9)
	require.Len(t, events, 3)
	assert.Equal(t, "2", events[0].DownloadID)
	assert.Equal(t, "4", events[2].DownloadID)

	assert.Empty(t, h.Drain(9))
}

func TestClose(t *testing.T) {
	h := NewHub(0)
	h.Navigate(4, "vid")
	h.Close(4)

	_, ok := h.VideoID(4)
	assert.False(t, ok)
	assert.Nil(t, h.Streams(4))
	assert.ErrorIs(t, h.Send(context.Background(), 4, media.Event{}), ErrTabNotFound)
}
