package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (engine logs)
// This ensures we don't lose critical crash information if a subprocess dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps subprocess logs if a SafeCommand is provided.
// Unlike a hard exit it returns, so deferred cleanup (camera release) still runs.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 ROLLCALL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nENGINE LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Camera Capture ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
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

// CaptureArgs builds the ffmpeg argument list for a live source.
// A bare number ("0") or a /dev path is treated as a local device, anything
// with a scheme (http://phone:8080/video, rtsp://...) as a network stream.
func CaptureArgs(source string, width, height, fps int) []string {
	return captureArgs(runtime.GOOS, source, width, height, fps)
}

// captureArgs picks the capture format for goos. Only v4l2 wants a device
// path; avfoundation and dshow take the index or name as given.
func captureArgs(goos, source string, width, height, fps int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	isURL := strings.Contains(source, "://")
	if !isURL {
		device := source
		switch goos {
		case "darwin":
			args = append(args, "-f", "avfoundation")
		case "windows":
			args = append(args, "-f", "dshow")
		default:
			args = append(args, "-f", "v4l2")
			if _, err := strconv.Atoi(source); err == nil {
				device = "/dev/video" + source
			}
		}
		if width > 0 && height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", width, height))
		}
		if fps > 0 {
			args = append(args, "-framerate", strconv.Itoa(fps))
		}
		args = append(args, "-i", device)
	} else {
		// Network cameras ignore capture hints; only keep latency low.
		args = append(args, "-fflags", "nobuffer", "-flags", "low_delay", "-i", source)
	}

	// Output a raw MJPEG stream Go can split, rate limited to the requested fps.
	if fps > 0 {
		args = append(args, "-r", strconv.Itoa(fps))
	}
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
}

// NewFFmpegCaptureCmd creates a decoder pipe for a camera or stream URL.
func NewFFmpegCaptureCmd(ctx context.Context, source string, width, height, fps int) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", CaptureArgs(source, width, height, fps)...)
}

// --- 3. Content Hashing ---

// HashFile returns the hex sha256 digest of a file's bytes.
// The digest changes whenever the content changes, regardless of mtime.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
