// Package source resolves a remote video identifier in to the elementary
// streams that make it up, and opens those streams for reading. Resolution
// is delegated to the yt-dlp executable.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/hbomb79/Mixtape/pkg/logger"
)

var (
	log = logger.Get("Source")

	ErrNoStreams = errors.New("no suitable elementary stream found")
)

type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

const thumbnailURLFormat = "https://i.ytimg.com/vi/%s/mqdefault.jpg"

type (
	Config struct {
		YtdlpBinaryPath string        `yaml:"ytdlp_binary_path" env:"SOURCE_YTDLP_BINARY_PATH" env-default:"yt-dlp"`
		WatchURLFormat  string        `yaml:"watch_url_format" env:"SOURCE_WATCH_URL_FORMAT" env-default:"https://www.youtube.com/watch?v=%s"`
		ResolveTimeout  time.Duration `yaml:"resolve_timeout" env:"SOURCE_RESOLVE_TIMEOUT" env-default:"30s"`
		SearchLimit     int           `yaml:"search_limit" env:"SOURCE_SEARCH_LIMIT" env-default:"10"`
	}

	// StreamDescriptor identifies a single elementary stream. ByteLength is
	// nil when the size is not known up front.
	StreamDescriptor struct {
		Kind       Kind
		URL        string
		Container  string
		Codec      string
		ByteLength *int64
		Headers    map[string]string
	}

	// Format describes one of the elementary formats offered for a video.
	Format struct {
		ID        string  `json:"id"`
		Kind      Kind    `json:"kind"`
		Container string  `json:"container"`
		Codec     string  `json:"codec"`
		Quality   string  `json:"quality"`
		Bitrate   float64 `json:"bitrate"`
		SizeMiB   int64   `json:"size_mib"`
	}

	Media struct {
		ID        string
		Title     string
		Duration  time.Duration
		Thumbnail string
		Audio     *StreamDescriptor
		Video     *StreamDescriptor
		Formats   []Format
	}

	// Ytdlp resolves media using the yt-dlp command line tool.
	Ytdlp struct {
		config Config
		run    func(ctx context.Context, args ...string) ([]byte, error)
	}

	ytdlpFormat struct {
		FormatID       string            `json:"format_id"`
		Ext            string            `json:"ext"`
		ACodec         string            `json:"acodec"`
		VCodec         string            `json:"vcodec"`
		URL            string            `json:"url"`
		Protocol       string            `json:"protocol"`
		Filesize       int64             `json:"filesize"`
		FilesizeApprox int64             `json:"filesize_approx"`
		ABR            float64           `json:"abr"`
		TBR            float64           `json:"tbr"`
		Height         int               `json:"height"`
		FormatNote     string            `json:"format_note"`
		HTTPHeaders    map[string]string `json:"http_headers"`
	}

	ytdlpInfo struct {
		ID        string        `json:"id"`
		Title     string        `json:"title"`
		Duration  float64       `json:"duration"`
		Thumbnail string        `json:"thumbnail"`
		Formats   []ytdlpFormat `json:"formats"`
	}
)

func New(config Config) *Ytdlp {
	resolver := &Ytdlp{config: config}
	resolver.run = resolver.exec
	return resolver
}

// Resolve fetches the metadata for the video and selects the best audio-only
// and video-only streams available.
func (y *Ytdlp) Resolve(ctx context.Context, id string) (*Media, error) {
	if y.config.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.config.ResolveTimeout)
		defer cancel()
	}

	out, err := y.run(ctx, "--dump-single-json", "--no-playlist", "--no-warnings", "--", y.watchURL(id))
	if err != nil {
		return nil, err
	}

	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("failed to parse yt-dlp metadata: %w", err)
	}

	media, err := info.toMedia()
	if err != nil {
		return nil, err
	}
	if media.ID == "" {
		media.ID = id
	}
	if media.Thumbnail == "" {
		media.Thumbnail = Thumbnail(media.ID)
	}

	log.Debugf("Resolved %s (%q): audio=%v video=%v\n", id, media.Title, media.Audio != nil, media.Video != nil)
	return media, nil
}

func (y *Ytdlp) watchURL(id string) string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}

	return fmt.Sprintf(y.config.WatchURLFormat, id)
}

func (y *Ytdlp) exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, y.config.YtdlpBinaryPath, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("yt-dlp exited with status %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}

		return nil, fmt.Errorf("failed to execute yt-dlp: %w", err)
	}

	return out, nil
}

func (info *ytdlpInfo) toMedia() (*Media, error) {
	media := &Media{
		ID:        info.ID,
		Title:     info.Title,
		Duration:  time.Duration(info.Duration * float64(time.Second)),
		Thumbnail: info.Thumbnail,
		Formats:   make([]Format, 0, len(info.Formats)),
	}

	var audio, video []ytdlpFormat
	for _, f := range info.Formats {
		if f.URL == "" || !isDirectProtocol(f.Protocol) {
			continue
		}

		switch {
		case hasCodec(f.ACodec) && !hasCodec(f.VCodec):
			audio = append(audio, f)
			media.Formats = append(media.Formats, f.toFormat(Audio))
		case hasCodec(f.VCodec) && !hasCodec(f.ACodec):
			video = append(video, f)
			media.Formats = append(media.Formats, f.toFormat(Video))
		}
	}

	if len(audio) == 0 && len(video) == 0 {
		return nil, ErrNoStreams
	}

	// Prefer m4a audio and mp4 video so the muxed result fits an mp4 container
	// without re-encoding the picture.
	sort.SliceStable(audio, func(i, j int) bool {
		if pi, pj := audio[i].Ext == "m4a", audio[j].Ext == "m4a"; pi != pj {
			return pi
		}
		return audio[i].ABR > audio[j].ABR
	})
	sort.SliceStable(video, func(i, j int) bool {
		if pi, pj := video[i].Ext == "mp4", video[j].Ext == "mp4"; pi != pj {
			return pi
		}
		if video[i].Height != video[j].Height {
			return video[i].Height > video[j].Height
		}
		return video[i].TBR > video[j].TBR
	})

	if len(audio) > 0 {
		media.Audio = audio[0].toDescriptor(Audio)
	}
	if len(video) > 0 {
		media.Video = video[0].toDescriptor(Video)
	}

	return media, nil
}

func (f ytdlpFormat) toDescriptor(kind Kind) *StreamDescriptor {
	desc := &StreamDescriptor{Kind: kind, URL: f.URL, Container: f.Ext, Headers: f.HTTPHeaders}
	if kind == Audio {
		desc.Codec = f.ACodec
	} else {
		desc.Codec = f.VCodec
	}
	if f.Filesize > 0 {
		size := f.Filesize
		desc.ByteLength = &size
	}

	return desc
}

func (f ytdlpFormat) toFormat(kind Kind) Format {
	size := f.Filesize
	if size <= 0 {
		size = f.FilesizeApprox
	}

	format := Format{
		ID:        f.FormatID,
		Kind:      kind,
		Container: f.Ext,
		Quality:   f.FormatNote,
		SizeMiB:   int64(math.Ceil(float64(size) / (1 << 20))),
	}
	if kind == Audio {
		format.Codec, format.Bitrate = f.ACodec, f.ABR
	} else {
		format.Codec, format.Bitrate = f.VCodec, f.TBR
	}

	return format
}

func hasCodec(codec string) bool { return codec != "" && codec != "none" }

func isDirectProtocol(protocol string) bool {
	return protocol == "" || protocol == "https" || protocol == "http"
}

// Thumbnail returns the medium quality thumbnail URL for the video.
func Thumbnail(id string) string { return fmt.Sprintf(thumbnailURLFormat, id) }

// FormatDuration renders a duration as minutes and zero-padded seconds (m:ss).
func FormatDuration(d time.Duration) string {
	total := int64(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
