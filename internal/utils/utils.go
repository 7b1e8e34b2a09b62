package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/distguard/internal/errors"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps exec.Cmd with a buffer that captures Stderr, so the last
// words of a crashed detector or ffmpeg process are not lost.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand prepares (but does not start) a command bound to ctx.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints the boxed error report without exiting.
// Hints attached with errors.WithHint are printed under the details.
func ShowError(title string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 DISTGUARD ERROR: %s\n", title)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
		if hint := errors.Hint(err); hint != "" {
			fmt.Fprintf(os.Stderr, "HINT: %s\n", hint)
		}
	}

	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy: report and exit(1).
func Die(title string, err error, s *SafeCommand) {
	ShowError(title, err, s)
	os.Exit(1)
}

// --- 2. Video Engine (ffmpeg / ffprobe) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

type ffprobeOutput struct {
	Streams []struct {
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
		RFrameRate    string `json:"r_frame_rate"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
	} `json:"streams"`
}

func probe(ctx context.Context, path string, entries string, extra ...string) (*ffprobeOutput, error) {
	args := append([]string{"-v", "error", "-select_streams", "v:0"}, extra...)
	args = append(args, "-show_entries", entries, "-of", "json", path)
	out, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return nil, errors.Wrapf(err, "ffprobe %s", entries)
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, errors.Wrap(err, "parsing ffprobe output")
	}
	if len(res.Streams) == 0 {
		return nil, errors.Newf("no video stream in %s", path)
	}
	return &res, nil
}

// GetTotalFrames uses ffprobe to count frames for the progress bar.
// It returns 0 when the count is unknown (live streams, missing ffprobe), so
// callers fall back to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Cannot provide a progress bar estimation because of this.\n")
		return 0
	}
	if IsStream(path) {
		return 0
	}

	// Fast path: container metadata. Might be "N/A" for VFR files.
	if res, err := probe(ctx, path, "stream=nb_frames"); err == nil {
		if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
			return count
		}
	}

	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	res, err := probe(ctx, path, "stream=nb_read_packets", "-count_packets")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe failed: %v\n", err)
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return count
}

// GetVideoFPS reads the stream's nominal frame rate.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	res, err := probe(ctx, path, "stream=r_frame_rate")
	if err != nil {
		return 0, err
	}
	return ParseFrameRate(res.Streams[0].RFrameRate)
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(rate string) (float64, error) {
	num, den, found := strings.Cut(strings.TrimSpace(rate), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid frame rate %q", rate)
	}
	if found {
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0, errors.Newf("invalid frame rate %q", rate)
		}
		n /= d
	}
	if n <= 0 {
		return 0, errors.Newf("invalid frame rate %q", rate)
	}
	return n, nil
}

// GetVideoDimensions returns the width and height of the first video stream.
func GetVideoDimensions(ctx context.Context, path string) (int, int, error) {
	res, err := probe(ctx, path, "stream=width,height")
	if err != nil {
		return 0, 0, err
	}
	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return 0, 0, errors.Newf("invalid dimensions %dx%d", s.Width, s.Height)
	}
	return s.Width, s.Height, nil
}

// SplitJpeg is the custom splitter for bufio.Scanner.
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// IsStream reports whether address names a network stream rather than a file.
func IsStream(address string) bool {
	for _, scheme := range []string{"rtsp://", "rtmp://", "http://", "https://", "udp://", "tcp://"} {
		if strings.HasPrefix(strings.ToLower(address), scheme) {
			return true
		}
	}
	return false
}

// NewFFmpegDecoder creates the MJPEG decoder pipe: every frame of input comes
// out of Stdout as one JPEG.
func NewFFmpegDecoder(ctx context.Context, input string) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(strings.ToLower(input), "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", input, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// NewFFmpegEncoder creates an encoder reading raw RGBA frames of the given
// size from Stdin and writing an H.264 file to output.
func NewFFmpegEncoder(ctx context.Context, output string, fps float64, width, height int) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		output,
	)
}

// SourceID derives a deterministic identifier for a video source. Files hash
// path, size and modification time; streams hash their address.
func SourceID(address string) (string, error) {
	var input string
	if IsStream(address) {
		input = "stream-" + address
	} else {
		info, err := os.Stat(address)
		if err != nil {
			return "", err
		}
		input = fmt.Sprintf("%s-%d-%d", address, info.Size(), info.ModTime().UnixNano())
	}
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}

// ExportFileName is the CSV name used for statistics exports.
func ExportFileName(name string, at time.Time) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf("%s-%d.csv", name, at.Unix())
}

// FmtTime renders a stream offset as HH:MM:SS.
func FmtTime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
