package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/sankurisyam/face-reco-student/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// queueResponse writes a framed msgpack response into the fake FD 3 pipe.
func queueResponse(t *testing.T, pipe *MockCloser, resp Response) {
	t.Helper()
	body, err := msgpack.Marshal(&resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	binary.Write(pipe, binary.BigEndian, uint32(len(body)))
	pipe.Write(body)
}

func newMockClient() (*Client, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &Client{Name: "test", Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock, dataPipeMock
}

func TestEncode(t *testing.T) {
	c, stdinMock, dataPipeMock := newMockClient()

	vec := make([]float64, 128)
	vec[0] = 0.5
	queueResponse(t, dataPipeMock, Response{OK: true, Embeddings: [][]float64{vec}})

	inputFrame := []byte{0xFF, 0xD8, 0xDE, 0xAD, 0xFF, 0xD9}
	boxes := []types.Box{{Left: 10, Top: 10, Right: 60, Bottom: 70}}
	got, err := c.Encode(context.Background(), inputFrame, boxes)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Verify Go sent a framed msgpack request TO Python
	sent := stdinMock.Bytes()
	n := binary.BigEndian.Uint32(sent[:4])
	if int(n) != len(sent)-4 {
		t.Fatalf("Expected length header %d, got %d", len(sent)-4, n)
	}
	var req Request
	if err := msgpack.Unmarshal(sent[4:], &req); err != nil {
		t.Fatalf("request is not msgpack: %v", err)
	}
	if req.Op != OpEncode || !bytes.Equal(req.Image, inputFrame) || len(req.Boxes) != 1 || req.Boxes[0] != boxes[0] {
		t.Errorf("unexpected request: %+v", req)
	}

	// Verify Go read the correct data FROM Python
	if len(got) != 1 {
		t.Fatalf("Expected 1 embedding, got %d", len(got))
	}
	if math.Abs(got[0][0]-0.5) > 1e-9 {
		t.Errorf("Expected vector[0] approx 0.5, got %f", got[0][0])
	}
}

func TestEncodeCountMismatch(t *testing.T) {
	c, _, dataPipeMock := newMockClient()
	queueResponse(t, dataPipeMock, Response{OK: true, Embeddings: nil})

	_, err := c.Encode(context.Background(), []byte("frame"), []types.Box{{Right: 5, Bottom: 5}})
	if err == nil {
		t.Fatal("Expected error for missing embeddings")
	}
}

func TestCall_Error(t *testing.T) {
	c, _, dataPipeMock := newMockClient()

	errMsg := "ModuleNotFoundError: No module named 'face_recognition'"
	queueResponse(t, dataPipeMock, Response{OK: false, Error: errMsg})

	_, err := c.Faces(context.Background(), []byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var engErr *Error
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if engErr.Op != OpFaces || engErr.Message != errMsg {
		t.Errorf("unexpected engine error: %+v", engErr)
	}
}

func TestCall_Crash(t *testing.T) {
	// An empty pipe looks like an engine that died before answering.
	c, _, _ := newMockClient()

	if _, err := c.Objects(context.Background(), []byte("frame")); err == nil {
		t.Fatal("Expected error from closed data pipe")
	}
}

func TestClassifyAndModels(t *testing.T) {
	c, _, dataPipeMock := newMockClient()
	queueResponse(t, dataPipeMock, Response{OK: true, Models: []string{"knn"}})
	queueResponse(t, dataPipeMock, Response{OK: true, Label: "22FE1A0501_ASHA_CSE", Confidence: 0.8})

	ctx := context.Background()
	models, err := c.Models(ctx)
	if err != nil || len(models) != 1 || models[0] != "knn" {
		t.Fatalf("Models() = %v, %v", models, err)
	}

	label, conf, err := c.Classify(ctx, "knn", []float64{0.1, 0.2})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if label != "22FE1A0501_ASHA_CSE" || conf != 0.8 {
		t.Errorf("Classify() = %q, %v", label, conf)
	}
}

func TestCallAfterClose(t *testing.T) {
	c, _, _ := newMockClient()
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Faces(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
