package utils

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// The trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "22FE1A0501_ASHA_CSE.jpg")
	if err := os.WriteFile(path, []byte("fake image content"), 0644); err != nil {
		t.Fatal(err)
	}

	h1, err := HashFile(path)
	if err != nil || h1 == "" {
		t.Fatalf("Failed to hash file: %v", err)
	}

	// Determinism
	h2, _ := HashFile(path)
	if h1 != h2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", h1, h2)
	}

	// Sensitivity to content
	if err := os.WriteFile(path, []byte("fake image content!"), 0644); err != nil {
		t.Fatal(err)
	}
	h3, _ := HashFile(path)
	if h1 == h3 {
		t.Error("Hash did not change after content modification")
	}

	if _, err := HashFile(filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestCaptureArgs(t *testing.T) {
	tests := []struct {
		name     string
		goos     string
		source   string
		contains []string
		absent   []string
	}{
		{
			name:     "Numeric device index on linux",
			goos:     "linux",
			source:   "0",
			contains: []string{"-f v4l2", "-i /dev/video0", "-framerate 30", "-video_size 1280x720", "-r 30", "image2pipe"},
		},
		{
			name:     "Device path on linux",
			goos:     "linux",
			source:   "/dev/video2",
			contains: []string{"-i /dev/video2"},
		},
		{
			name:     "Index kept on darwin",
			goos:     "darwin",
			source:   "0",
			contains: []string{"-f avfoundation", "-i 0 "},
			absent:   []string{"/dev/video"},
		},
		{
			name:     "Index kept on windows",
			goos:     "windows",
			source:   "1",
			contains: []string{"-f dshow", "-i 1 "},
			absent:   []string{"/dev/video"},
		},
		{
			name:     "IP webcam URL",
			goos:     "linux",
			source:   "http://192.168.1.20:8080/video",
			contains: []string{"-i http://192.168.1.20:8080/video", "-fflags nobuffer", "-vcodec mjpeg"},
			absent:   []string{"-video_size", "-framerate", "v4l2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(captureArgs(tt.goos, tt.source, 1280, 720, 30), " ")
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("CaptureArgs() = %q, missing %q", got, want)
				}
			}
			for _, bad := range tt.absent {
				if strings.Contains(got, bad) {
					t.Errorf("CaptureArgs() = %q, should not contain %q", got, bad)
				}
			}
		})
	}
}
