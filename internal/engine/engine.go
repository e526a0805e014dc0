// Package engine talks to the Python inference process that performs face
// detection, embedding, landmark extraction and object detection.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sankurisyam/face-reco-student/internal/types"
	"github.com/sankurisyam/face-reco-student/internal/utils"
	"github.com/vmihailenco/msgpack/v5"
)

// Operations understood by the engine script.
const (
	OpFaces     = "faces"
	OpEncode    = "encode"
	OpLandmarks = "landmarks"
	OpObjects   = "objects"
	OpScreen    = "screen"
	OpClassify  = "classify"
	OpModels    = "models"
)

// maxMessage caps a single response body; anything larger is a protocol error.
const maxMessage = 64 << 20

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("engine closed")

// Error is an error reported by the engine script itself (ok=false).
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("python engine error (%s): %s", e.Op, e.Message)
}

// Request is the msgpack body sent on stdin.
type Request struct {
	Op        string      `msgpack:"op"`
	Image     []byte      `msgpack:"image,omitempty"`
	Boxes     []types.Box `msgpack:"boxes,omitempty"`
	Embedding []float64   `msgpack:"embedding,omitempty"`
	Model     string      `msgpack:"model,omitempty"`
}

// Response is the msgpack body read from FD 3.
type Response struct {
	OK          bool                  `msgpack:"ok"`
	Error       string                `msgpack:"error"`
	Boxes       []types.Box           `msgpack:"boxes"`
	Embeddings  [][]float64           `msgpack:"embeddings"`
	Landmarks   []types.FaceLandmarks `msgpack:"landmarks"`
	Objects     []types.Detection     `msgpack:"objects"`
	Probability float64               `msgpack:"probability"`
	Label       string                `msgpack:"label"`
	Confidence  float64               `msgpack:"confidence"`
	Models      []string              `msgpack:"models"`
}

// Client is one running engine process. Calls are serialized; start a
// second client when two loops need inference concurrently.
type Client struct {
	Name     string
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu     sync.Mutex
	closed bool
}

// Start launches `python -u script` with a side-channel pipe on FD 3 for responses.
func Start(ctx context.Context, name, python, script string) (*Client, error) {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, python, "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %s failed to start: %w", name, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Client{
		Name:     name,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed message and reads one framed reply.
// Protocol: [uint32 big-endian length][body]
func (c *Client) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(c.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := c.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(c.DataPipe, header); err != nil {
		return nil, err // a crashed engine surfaces here (EOF)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxMessage {
		return nil, fmt.Errorf("engine response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(c.DataPipe, respBody)
	return respBody, err
}

// Call performs one request/response round trip.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Op, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	raw, err := c.Communicate(body)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("engine %s: %s: %w", c.Name, req.Op, err)
	}

	var resp Response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal %s response: %w", req.Op, err)
	}
	if !resp.OK {
		return nil, &Error{Op: req.Op, Message: resp.Error}
	}
	return &resp, nil
}

// Faces returns face boxes found in a JPEG image.
func (c *Client) Faces(ctx context.Context, img []byte) ([]types.Box, error) {
	resp, err := c.Call(ctx, Request{Op: OpFaces, Image: img})
	if err != nil {
		return nil, err
	}
	return resp.Boxes, nil
}

// Encode returns one embedding per box. With no boxes the engine detects faces itself.
func (c *Client) Encode(ctx context.Context, img []byte, boxes []types.Box) ([][]float64, error) {
	resp, err := c.Call(ctx, Request{Op: OpEncode, Image: img, Boxes: boxes})
	if err != nil {
		return nil, err
	}
	if len(boxes) > 0 && len(resp.Embeddings) != len(boxes) {
		return nil, fmt.Errorf("engine returned %d embeddings for %d boxes", len(resp.Embeddings), len(boxes))
	}
	return resp.Embeddings, nil
}

// Landmarks returns the 68-point landmark set per detected face.
func (c *Client) Landmarks(ctx context.Context, img []byte) ([]types.FaceLandmarks, error) {
	resp, err := c.Call(ctx, Request{Op: OpLandmarks, Image: img})
	if err != nil {
		return nil, err
	}
	return resp.Landmarks, nil
}

// Objects runs the object detector over a frame.
func (c *Client) Objects(ctx context.Context, img []byte) ([]types.Detection, error) {
	resp, err := c.Call(ctx, Request{Op: OpObjects, Image: img})
	if err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// Screen returns the learned probability that a crop shows a displayed photo.
func (c *Client) Screen(ctx context.Context, crop []byte) (float64, error) {
	resp, err := c.Call(ctx, Request{Op: OpScreen, Image: crop})
	if err != nil {
		return 0, err
	}
	return resp.Probability, nil
}

// Classify asks a named classifier model for a label and confidence.
func (c *Client) Classify(ctx context.Context, model string, embedding []float64) (string, float64, error) {
	resp, err := c.Call(ctx, Request{Op: OpClassify, Model: model, Embedding: embedding})
	if err != nil {
		return "", 0, err
	}
	return resp.Label, resp.Confidence, nil
}

// Models lists the classifier models the engine managed to load.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	resp, err := c.Call(ctx, Request{Op: OpModels})
	if err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// Close shuts the pipes and waits for the process to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.Stdin.Close()
	c.DataPipe.Close()
	if c.Cmd != nil {
		return c.Cmd.Wait()
	}
	return nil
}
