package helpers

import (
	"fmt"
	"testing"
)

// MuxedContent is written to the output path by the fake ffmpeg returned
// from FakeFFmpeg.
const MuxedContent = "muxed-output"

// FakeFFmpeg returns a stand-in for ffmpeg which reports progress on fd 3 and
// writes MuxedContent to its final argument (the output path).
func FakeFFmpeg(t *testing.T) string {
	return WriteExecutable(t, "ffmpeg", fmt.Sprintf(`for last; do :; done
printf 'out_time_us=500000\nprogress=continue\n' >&3
printf '%s' > "$last"
printf 'out_time_us=1000000\nprogress=end\n' >&3
exit 0
`, MuxedContent))
}

// FailingFFmpeg returns a stand-in for ffmpeg which leaves a partial output
// behind and exits with a non-zero status.
func FailingFFmpeg(t *testing.T, diagnostic string) string {
	return WriteExecutable(t, "ffmpeg", fmt.Sprintf(`for last; do :; done
printf 'partial' > "$last"
echo '%s' >&2
exit 1
`, diagnostic))
}
