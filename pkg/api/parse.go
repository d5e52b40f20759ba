package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadPipeline reads and parses a pipeline specification file.
func LoadPipeline(filename string) (*Pipeline, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file: %w", err)
	}

	p, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("parsing pipeline file %s: %w", filename, err)
	}
	return p, nil
}

// ParsePipeline decodes a pipeline document. Unknown keys are errors.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := decodeStrict(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadExecutionRecord reads and parses an execution record file.
func LoadExecutionRecord(filename string) (*ExecutionRecord, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading execution record: %w", err)
	}

	rec, err := ParseExecutionRecord(data)
	if err != nil {
		return nil, fmt.Errorf("parsing execution record %s: %w", filename, err)
	}
	return rec, nil
}

// ParseExecutionRecord decodes an execution record document. Documents with
// unknown keys or without any record content are rejected.
func ParseExecutionRecord(data []byte) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := decodeStrict(data, &rec); err != nil {
		return nil, err
	}
	if rec.StepResults == nil && rec.Timing.Start.IsZero() {
		return nil, fmt.Errorf("document has no step_results or timing")
	}
	return &rec, nil
}

// WriteExecutionRecord writes rec to filename, creating parent directories.
func WriteExecutionRecord(filename string, rec *ExecutionRecord) error {
	data, err := Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding execution record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("creating record directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("writing execution record: %w", err)
	}
	return nil
}

// Marshal encodes v as YAML. Collections holding only scalars are written
// in flow style on one line, nested collections in block style.
func Marshal(v any) ([]byte, error) {
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return nil, err
	}
	flowLeafCollections(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flowLeafCollections(n *yaml.Node) {
	for _, c := range n.Content {
		flowLeafCollections(c)
	}
	if n.Kind != yaml.SequenceNode && n.Kind != yaml.MappingNode {
		return
	}
	if len(n.Content) == 0 {
		return
	}
	for _, c := range n.Content {
		if c.Kind != yaml.ScalarNode {
			return
		}
	}
	n.Style |= yaml.FlowStyle
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty document")
		}
		return err
	}
	return nil
}
