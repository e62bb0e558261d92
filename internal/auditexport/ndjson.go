package auditexport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/animus-labs/ledger-go/internal/domain"
	"github.com/klauspost/compress/zstd"
)

// Record is one exported chain entry.
type Record struct {
	TenantID      string          `json:"tenant_id"`
	Index         int64           `json:"index"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadBase64 []byte          `json:"payload_b64,omitempty"`
	PreviousHash  string          `json:"previous_hash"`
	Hash          string          `json:"hash"`
}

func NewRecord(e domain.ChainEntry) Record {
	r := Record{
		TenantID:     e.TenantID,
		Index:        e.Index,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		PreviousHash: e.PreviousHash,
		Hash:         e.Hash,
	}
	if byteStable(e.Payload) {
		r.Payload = append(json.RawMessage(nil), e.Payload...)
	} else {
		r.PayloadBase64 = append([]byte(nil), e.Payload...)
	}
	return r
}

// Entry converts a record back into the chain entry it was exported from.
func (r Record) Entry() (domain.ChainEntry, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return domain.ChainEntry{}, fmt.Errorf("parse timestamp: %w", err)
	}
	payload := []byte(r.Payload)
	if len(r.PayloadBase64) > 0 {
		payload = r.PayloadBase64
	}
	return domain.ChainEntry{
		TenantID:     r.TenantID,
		Index:        r.Index,
		Timestamp:    ts,
		Payload:      payload,
		PreviousHash: r.PreviousHash,
		Hash:         r.Hash,
	}, nil
}

// byteStable reports whether p survives JSON re-encoding unchanged, so the
// exported payload still hashes to the recorded value.
func byteStable(p []byte) bool {
	if len(p) == 0 || !json.Valid(p) {
		return false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil || !bytes.Equal(buf.Bytes(), p) {
		return false
	}
	return !bytes.ContainsAny(p, "<>&\u2028\u2029")
}

// NDJSONWriter writes chain entries as newline-delimited JSON.
type NDJSONWriter struct {
	enc *json.Encoder
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONWriter{enc: enc}
}

func (w *NDJSONWriter) Write(e domain.ChainEntry) error {
	return w.enc.Encode(NewRecord(e))
}

// ReadArchive decodes an archive produced by Archiver, compressed or not.
func ReadArchive(data []byte) ([]Record, error) {
	if isZstd(data) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	}
	var out []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(out), err)
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func isZstd(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}
