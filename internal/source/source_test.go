package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInfo = `{
	"id": "abc",
	"title": "Sample Video",
	"duration": 125.4,
	"formats": [
		{"format_id": "139", "ext": "m4a", "acodec": "mp4a.40.5", "vcodec": "none", "url": "https://cdn/139", "protocol": "https", "abr": 48, "filesize": 1000},
		{"format_id": "251", "ext": "webm", "acodec": "opus", "vcodec": "none", "url": "https://cdn/251", "protocol": "https", "abr": 160},
		{"format_id": "140", "ext": "m4a", "acodec": "mp4a.40.2", "vcodec": "none", "url": "https://cdn/140", "protocol": "https", "abr": 128, "filesize": 2097153},
		{"format_id": "248", "ext": "webm", "acodec": "none", "vcodec": "vp9", "url": "https://cdn/248", "protocol": "https", "height": 1080, "tbr": 2500},
		{"format_id": "137", "ext": "mp4", "acodec": "none", "vcodec": "avc1.640028", "url": "https://cdn/137", "protocol": "https", "height": 1080, "tbr": 4000, "format_note": "1080p"},
		{"format_id": "136", "ext": "mp4", "acodec": "none", "vcodec": "avc1.4d401f", "url": "https://cdn/136", "protocol": "https", "height": 720, "tbr": 2000},
		{"format_id": "18", "ext": "mp4", "acodec": "mp4a.40.2", "vcodec": "avc1.42001E", "url": "https://cdn/18", "protocol": "https"},
		{"format_id": "hls", "ext": "mp4", "acodec": "none", "vcodec": "avc1", "url": "https://cdn/hls.m3u8", "protocol": "m3u8_native", "height": 2160}
	]
}`

func newFakeResolver(output string, err error) (*Ytdlp, *[]string) {
	var captured []string
	resolver := New(Config{WatchURLFormat: "https://www.youtube.com/watch?v=%s", SearchLimit: 3})
	resolver.run = func(_ context.Context, args ...string) ([]byte, error) {
		captured = args
		return []byte(output), err
	}

	return resolver, &captured
}

func TestResolve_SelectsPreferredElementaryStreams(t *testing.T) {
	resolver, args := newFakeResolver(sampleInfo, nil)

	media, err := resolver.Resolve(context.Background(), "abc")
	require.NoError(t, err)

	assert.Contains(t, *args, "https://www.youtube.com/watch?v=abc")
	assert.Equal(t, "Sample Video", media.Title)
	assert.Equal(t, "abc", media.ID)
	assert.Equal(t, Thumbnail("abc"), media.Thumbnail)
	assert.Equal(t, "2:05", FormatDuration(media.Duration))

	require.NotNil(t, media.Audio)
	assert.Equal(t, "https://cdn/140", media.Audio.URL)
	assert.Equal(t, Audio, media.Audio.Kind)
	require.NotNil(t, media.Audio.ByteLength)
	assert.EqualValues(t, 2097153, *media.Audio.ByteLength)

	require.NotNil(t, media.Video)
	assert.Equal(t, "https://cdn/137", media.Video.URL)
	assert.Equal(t, "mp4", media.Video.Container)
	assert.Nil(t, media.Video.ByteLength)

	assert.Len(t, media.Formats, 6, "muxed and non-http formats are excluded")
	for _, f := range media.Formats {
		if f.ID == "140" {
			assert.EqualValues(t, 3, f.SizeMiB)
		}
	}
}

func TestResolve_PropagatesFailures(t *testing.T) {
	resolver, _ := newFakeResolver("", errors.New("yt-dlp exited with status 1"))
	_, err := resolver.Resolve(context.Background(), "abc")
	assert.ErrorContains(t, err, "status 1")

	resolver, _ = newFakeResolver("not json", nil)
	_, err = resolver.Resolve(context.Background(), "abc")
	assert.Error(t, err)

	resolver, _ = newFakeResolver(`{"id":"abc","title":"x","formats":[]}`, nil)
	_, err = resolver.Resolve(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrNoStreams)
}

func TestResolve_PassesThroughFullURLs(t *testing.T) {
	resolver, args := newFakeResolver(sampleInfo, nil)
	_, err := resolver.Resolve(context.Background(), "https://example.com/watch/1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/watch/1", (*args)[len(*args)-1])
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0:00", FormatDuration(0))
	assert.Equal(t, "0:09", FormatDuration(9*time.Second))
	assert.Equal(t, "1:00", FormatDuration(time.Minute))
	assert.Equal(t, "61:01", FormatDuration(time.Hour+61*time.Second))
}

func TestSearch_RanksAndLimits(t *testing.T) {
	resolver, args := newFakeResolver(`{"entries": [
		{"id": "1", "title": "Something else entirely"},
		{"id": "2", "title": "lofi beats"},
		{"id": "", "title": "skipped"},
		{"id": "3", "title": "Lofi Beats to study"},
		{"id": "4", "title": "zzz"}
	]}`, nil)

	results, err := resolver.Search(context.Background(), "  lofi beats ")
	require.NoError(t, err)

	assert.Equal(t, "ytsearch3:lofi beats", (*args)[len(*args)-1])
	require.Len(t, results, 3)
	assert.Equal(t, "2", results[0].ID)
	assert.Equal(t, Thumbnail("2"), results[0].Thumbnail)
}

func TestSearch_RejectsEmptyKeyword(t *testing.T) {
	resolver, _ := newFakeResolver("{}", nil)
	_, err := resolver.Search(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyKeyword)
}

func TestHTTPOpener(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		io.WriteString(w, "payload")
	}))
	defer server.Close()

	opener := &HTTPOpener{Client: server.Client()}
	body, length, err := opener.Open(context.Background(), StreamDescriptor{Kind: Audio, URL: server.URL + "/ok", Headers: map[string]string{"X-Test": "yes"}})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.EqualValues(t, len("payload"), length)

	_, _, err = opener.Open(context.Background(), StreamDescriptor{Kind: Video, URL: server.URL + "/missing"})
	assert.True(t, err != nil && strings.Contains(err.Error(), "404"))
}
