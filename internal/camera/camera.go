// Package camera turns a live ffmpeg MJPEG pipe into decoded frames.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/types"
	"github.com/sankurisyam/face-reco-student/internal/utils"
)

var (
	// ErrOpen means the source produced no frame within the open timeout.
	ErrOpen = errors.New("camera could not be opened")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("camera closed")
)

// Source yields frames until closed. Close must be safe to call more than once.
type Source interface {
	Next(ctx context.Context) (*types.Frame, error)
	Close() error
}

// Config selects the capture device and the requested stream format.
type Config struct {
	Source      string        `validate:"required"`
	Width       int           `validate:"gte=0"`
	Height      int           `validate:"gte=0"`
	FPS         int           `validate:"gte=0,lte=120"`
	OpenTimeout time.Duration `validate:"gt=0"`
}

// DefaultConfig requests 1280x720 at 30fps from the first video device.
func DefaultConfig() Config {
	return Config{Source: "0", Width: 1280, Height: 720, FPS: 30, OpenTimeout: 10 * time.Second}
}

// FFmpeg reads frames from an ffmpeg child process.
type FFmpeg struct {
	Cmd *utils.SafeCommand

	box    *mailbox
	cancel context.CancelFunc
	done   chan struct{}
	seq    atomic.Uint64
	once   sync.Once
	log    *logger.Logger
}

// Open starts ffmpeg and waits for the first decoded frame. A source that
// stays silent past cfg.OpenTimeout is reported as ErrOpen.
func Open(ctx context.Context, cfg Config) (*FFmpeg, error) {
	runCtx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCaptureCmd(runCtx, cfg.Source, cfg.Width, cfg.Height, cfg.FPS)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrOpen, err)
	}

	c := &FFmpeg{
		Cmd:    cmd,
		box:    newMailbox(),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    logger.Named("camera"),
	}
	go c.readLoop(stdout)

	// Wait for the first frame so a dead device fails before the session runs.
	first := make(chan struct{})
	go func() {
		c.box.mu.Lock()
		for c.box.frame == nil && !c.box.closed {
			c.box.cond.Wait()
		}
		c.box.mu.Unlock()
		close(first)
	}()

	select {
	case <-first:
		c.box.mu.Lock()
		ok := c.box.frame != nil
		c.box.mu.Unlock()
		if !ok {
			c.Close()
			return nil, fmt.Errorf("%w: %s: %s", ErrOpen, cfg.Source, cmd.Stderr.String())
		}
		c.log.Info().Str("source", cfg.Source).Int("width", cfg.Width).Int("height", cfg.Height).
			Int("fps", cfg.FPS).Msg("camera opened")
		return c, nil
	case <-time.After(cfg.OpenTimeout):
		c.Close()
		<-first
		return nil, fmt.Errorf("%w: %s: no frame within %s", ErrOpen, cfg.Source, cfg.OpenTimeout)
	case <-ctx.Done():
		c.Close()
		<-first
		return nil, ctx.Err()
	}
}

func (c *FFmpeg) readLoop(r io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		// The scanner reuses its buffer; frames must own their bytes.
		data := bytes.Clone(scanner.Bytes())
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.box.publish(&types.Frame{
			Seq:        c.seq.Add(1),
			Data:       data,
			Image:      img,
			CapturedAt: time.Now(),
		})
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.box.close(err)
}

// Next returns the newest frame, blocking until one arrives.
func (c *FFmpeg) Next(ctx context.Context) (*types.Frame, error) {
	stop := context.AfterFunc(ctx, func() { c.box.close(ctx.Err()) })
	defer stop()
	return c.box.take()
}

// Dropped reports frames overwritten before the loop consumed them.
func (c *FFmpeg) Dropped() uint64 {
	return c.box.drops.Load()
}

// Close stops ffmpeg and releases the pipe. It is idempotent.
func (c *FFmpeg) Close() error {
	c.once.Do(func() {
		c.box.close(ErrClosed)
		c.cancel()
		<-c.done
		// Exit status after a kill is expected; only the cleanup matters.
		_ = c.Cmd.Wait()
		c.log.Debug().Uint64("dropped", c.Dropped()).Msg("camera released")
	})
	return nil
}
