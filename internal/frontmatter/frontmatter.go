// Package frontmatter reads and writes documents that begin with a `---` fenced YAML header.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissing indicates the document did not start with a YAML fence.
	ErrMissing = errors.New("frontmatter: missing header")
	// ErrMalformed indicates the header block was not terminated.
	ErrMalformed = errors.New("frontmatter: unterminated header")
)

// Split separates the raw header bytes from the body.
func Split(content []byte) (header, body []byte, err error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, normalized, ErrMissing
	}
	rest := normalized[4:]
	// Empty header: "---\n---\n".
	if bytes.HasPrefix(rest, []byte("---\n")) || bytes.Equal(rest, []byte("---")) {
		return nil, bytes.TrimPrefix(bytes.TrimPrefix(rest, []byte("---")), []byte("\n")), nil
	}
	idx := bytes.Index(rest, []byte("\n---\n"))
	if idx < 0 {
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-4], nil, nil
		}
		return nil, nil, ErrMalformed
	}
	return rest[:idx], rest[idx+5:], nil
}

// Parse returns the header as a generic map plus the body. A document without a
// header yields an empty map, the whole content as body and ErrMissing.
func Parse(content []byte) (map[string]any, []byte, error) {
	raw, body, err := Split(content)
	if err != nil {
		return map[string]any{}, body, err
	}
	header := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return header, body, nil
	}
	if err := yaml.Unmarshal(raw, &header); err != nil {
		return map[string]any{}, body, fmt.Errorf("frontmatter: parse header: %w", err)
	}
	if header == nil {
		header = map[string]any{}
	}
	return header, body, nil
}

// Decode unmarshals the header into v and returns the body.
func Decode(content []byte, v any) ([]byte, error) {
	raw, body, err := Split(content)
	if err != nil {
		return body, err
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return body, fmt.Errorf("frontmatter: parse header: %w", err)
	}
	return body, nil
}

// Render writes header + body with YAML fences.
func Render(header any, body []byte) ([]byte, error) {
	data, err := yaml.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("frontmatter: encode header: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// Flatten returns the header with nested maps additionally exposed under dotted
// keys ("meta.owner"), for use as expression parameters.
func Flatten(header map[string]any) map[string]any {
	out := make(map[string]any, len(header))
	flattenInto("", header, out)
	return out
}

func flattenInto(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		out[key] = v
		if nested, ok := v.(map[string]any); ok {
			flattenInto(key, nested, out)
		}
	}
}
