package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/inferloop/fldp/pkg/models"
)

// File extensions of encoded envelopes.
const (
	ExtJSON     = ".json"
	ExtJSONGzip = ".json.gz"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Extension returns the file extension for an encoding.
func Extension(compress bool) string {
	if compress {
		return ExtJSONGzip
	}
	return ExtJSON
}

// IsEnvelopeName reports whether name has an envelope extension.
func IsEnvelopeName(name string) bool {
	return strings.HasSuffix(name, ExtJSON) || strings.HasSuffix(name, ExtJSONGzip)
}

// TrimExtension strips the envelope extension from name.
func TrimExtension(name string) string {
	if strings.HasSuffix(name, ExtJSONGzip) {
		return strings.TrimSuffix(name, ExtJSONGzip)
	}
	return strings.TrimSuffix(name, ExtJSON)
}

// EncodeEnvelope serializes env as JSON, gzip-compressed when compress is set.
func EncodeEnvelope(env *models.UpdateEnvelope, compress bool) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if !compress {
		return data, nil
	}
	return Compress(data)
}

// DecodeEnvelope parses an envelope. Gzip input is detected by its magic bytes.
func DecodeEnvelope(data []byte) (*models.UpdateEnvelope, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		decompressed, err := Decompress(data)
		if err != nil {
			return nil, err
		}
		data = decompressed
	}

	var env models.UpdateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}

// Compress gzips data.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress gunzips data.
func Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed data: %w", err)
	}
	return result, nil
}
