package phmessage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Meta ties a raw payload copy back to its stored message.
type Meta struct {
	MessageID     string `json:"message_id"`
	Version       int    `json:"submitted_version_number"`
	LogicalKey    string `json:"logical_key"`
	CorrelationID string `json:"x_correlation_id,omitempty"`
	RequestID     string `json:"x_request_id,omitempty"`
}

// Sink receives the raw document payload of every stored message.
type Sink interface {
	Name() string
	Write(ctx context.Context, name string, payload []byte, meta Meta) error
}

// FileSink writes payloads into a directory, each with a JSON sidecar
// carrying its Meta.
type FileSink struct {
	dir string
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("file sink: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file sink: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) Write(_ context.Context, name string, payload []byte, meta Meta) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("file sink: invalid name %q", name)
	}
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return err
	}
	sidecar, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".meta.json", sidecar, 0o644)
}
