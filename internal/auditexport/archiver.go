// Package auditexport archives verified tenant chains to object storage and
// maintains a head anchor that later verification runs compare against.
package auditexport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/animus-labs/ledger-go/internal/chain"
	"github.com/animus-labs/ledger-go/internal/domain"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"github.com/animus-labs/ledger-go/internal/platform/objectstore"
	"github.com/klauspost/compress/zstd"
)

var ErrNoAnchor = errors.New("no anchor recorded for tenant")

// ChainSource is the read side of the ledger the archiver needs.
type ChainSource interface {
	Verify(ctx context.Context, tenantID string) (chain.Verification, error)
	Walk(ctx context.Context, tenantID string, fn func(domain.ChainEntry) error) error
	Page(ctx context.Context, tenantID string, afterIndex int64, limit int) ([]domain.ChainEntry, error)
}

// Anchor pins the head of a verified chain at export time.
type Anchor struct {
	TenantID   string    `json:"tenant_id"`
	Entries    int64     `json:"entries"`
	HeadIndex  int64     `json:"head_index"`
	HeadHash   string    `json:"head_hash"`
	ArchiveKey string    `json:"archive_key"`
	ExportedAt time.Time `json:"exported_at"`
}

// Receipt describes one export run.
type Receipt struct {
	TenantID     string             `json:"tenant_id"`
	Bucket       string             `json:"bucket"`
	ArchiveKey   string             `json:"archive_key"`
	AnchorKey    string             `json:"anchor_key,omitempty"`
	Entries      int64              `json:"entries"`
	Bytes        int64              `json:"bytes"`
	Verification chain.Verification `json:"verification"`
}

// AnchorCheck compares a stored anchor with the live chain.
type AnchorCheck struct {
	Anchor  Anchor `json:"anchor"`
	Matches bool   `json:"matches"`
	Reason  string `json:"reason,omitempty"`
}

type Archiver struct {
	chain  ChainSource
	store  objectstore.Store
	bucket string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewArchiver(src ChainSource, store objectstore.Store, bucket string, cfg Config, logger *slog.Logger) (*Archiver, error) {
	if src == nil {
		return nil, errors.New("chain source is required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Archiver{chain: src, store: store, bucket: bucket, cfg: cfg, logger: logger, now: time.Now}, nil
}

func (a *Archiver) tenantPrefix(tenantID string) string {
	return path.Join(a.cfg.Prefix, "tenants", tenantID)
}

func (a *Archiver) AnchorKey(tenantID string) string {
	return path.Join(a.tenantPrefix(tenantID), "head.json")
}

func (a *Archiver) archiveKey(tenantID string, entries int64, at time.Time) string {
	name := "chain-" + strconv.FormatInt(entries, 10) + "-" + at.UTC().Format("20060102T150405.000000000Z")
	if a.cfg.compressed() {
		name += ".ndjson.zst"
	} else {
		name += ".ndjson"
	}
	return path.Join(a.tenantPrefix(tenantID), name)
}

// Export verifies the tenant's chain and writes it as NDJSON to the bucket.
// Only a valid chain moves the anchor forward; a broken chain is still
// archived up to the point it was read so the evidence is preserved.
func (a *Archiver) Export(ctx context.Context, tenantID string) (Receipt, error) {
	v, err := a.chain.Verify(ctx, tenantID)
	if err != nil {
		return Receipt{}, err
	}

	var raw bytes.Buffer
	w := NewNDJSONWriter(&raw)
	var written int64
	err = a.chain.Walk(ctx, tenantID, func(entry domain.ChainEntry) error {
		// entries appended after verification belong to the next export
		if v.Valid && entry.Index >= v.Entries {
			return io.EOF
		}
		if err := w.Write(entry); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	body := raw.Bytes()
	contentType := "application/x-ndjson"
	if a.cfg.compressed() {
		body, err = compress(body)
		if err != nil {
			return Receipt{}, err
		}
		contentType = "application/zstd"
	}

	at := a.now().UTC()
	receipt := Receipt{
		TenantID:     tenantID,
		Bucket:       a.bucket,
		ArchiveKey:   a.archiveKey(tenantID, written, at),
		Entries:      written,
		Bytes:        int64(len(body)),
		Verification: v,
	}
	if err := a.store.Put(ctx, a.bucket, receipt.ArchiveKey, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return Receipt{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "write chain archive", err)
	}

	if !v.Valid {
		a.logger.Warn("archived broken chain without moving anchor",
			"tenant_id", tenantID,
			"archive_key", receipt.ArchiveKey,
			"broken_at", v.BrokenAt,
		)
		return receipt, nil
	}

	anchor := Anchor{
		TenantID:   tenantID,
		Entries:    v.Entries,
		HeadIndex:  v.Entries - 1,
		HeadHash:   v.HeadHash,
		ArchiveKey: receipt.ArchiveKey,
		ExportedAt: at,
	}
	data, err := json.Marshal(anchor)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal anchor: %w", err)
	}
	receipt.AnchorKey = a.AnchorKey(tenantID)
	if err := a.store.Put(ctx, a.bucket, receipt.AnchorKey, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return Receipt{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "write chain anchor", err)
	}
	a.logger.Info("chain archived",
		"tenant_id", tenantID,
		"entries", written,
		"archive_key", receipt.ArchiveKey,
		"bytes", receipt.Bytes,
	)
	return receipt, nil
}

// LoadAnchor reads the last anchor written for the tenant.
func (a *Archiver) LoadAnchor(ctx context.Context, tenantID string) (Anchor, error) {
	data, err := a.store.Get(ctx, a.bucket, a.AnchorKey(tenantID))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return Anchor{}, ErrNoAnchor
		}
		return Anchor{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "read chain anchor", err)
	}
	var anchor Anchor
	if err := json.Unmarshal(data, &anchor); err != nil {
		return Anchor{}, fmt.Errorf("decode anchor: %w", err)
	}
	return anchor, nil
}

// CheckAnchor confirms the entry the anchor pinned still carries the same
// hash. A chain rewritten from genesis passes Verify but fails here.
func (a *Archiver) CheckAnchor(ctx context.Context, tenantID string) (AnchorCheck, error) {
	anchor, err := a.LoadAnchor(ctx, tenantID)
	if err != nil {
		return AnchorCheck{}, err
	}
	check := AnchorCheck{Anchor: anchor}
	if anchor.Entries == 0 {
		check.Matches = true
		return check, nil
	}
	page, err := a.chain.Page(ctx, tenantID, anchor.HeadIndex-1, 1)
	if err != nil {
		return AnchorCheck{}, err
	}
	switch {
	case len(page) == 0 || page[0].Index != anchor.HeadIndex:
		check.Reason = "anchored entry missing"
	case page[0].Hash != anchor.HeadHash:
		check.Reason = "anchored hash differs"
	default:
		check.Matches = true
	}
	return check, nil
}

func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}
