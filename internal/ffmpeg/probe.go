package ffmpeg

import (
	"fmt"
	"strconv"
	"time"

	"github.com/floostack/transcoder/ffmpeg"
)

// ProbeDuration uses ffprobe to find the duration of the media at path.
func (inv *Invoker) ProbeDuration(path string) (time.Duration, error) {
	cfg := ffmpeg.Config{
		FfmpegBinPath:  inv.config.FfmpegBinaryPath,
		FfprobeBinPath: inv.config.FfprobeBinaryPath,
	}

	metadata, err := ffmpeg.New(&cfg).Input(path).GetMetadata()
	if err != nil {
		return 0, fmt.Errorf("failed to extract file metadata information using ffprobe: %w", err)
	}

	seconds, err := strconv.ParseFloat(metadata.GetFormat().GetDuration(), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe reported unusable duration %q: %w", metadata.GetFormat().GetDuration(), err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}
