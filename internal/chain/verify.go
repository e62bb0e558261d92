package chain

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/animus-labs/ledger-go/internal/domain"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
)

// Verification is the outcome of walking a tenant's chain.
type Verification struct {
	TenantID string `json:"tenant_id"`
	Valid    bool   `json:"valid"`
	Entries  int64  `json:"entries"`
	BrokenAt int64  `json:"broken_at"`
	Reason   string `json:"reason,omitempty"`
	HeadHash string `json:"head_hash,omitempty"`
}

// Err returns a CHAIN_INTEGRITY_VIOLATION error for a broken chain, nil otherwise.
func (v Verification) Err() error {
	if v.Valid {
		return nil
	}
	return apperrors.WithMetadata(apperrors.CodeChainIntegrityViolation,
		fmt.Sprintf("chain for tenant %s broken at index %d: %s", v.TenantID, v.BrokenAt, v.Reason),
		map[string]string{
			"tenant_id": v.TenantID,
			"broken_at": strconv.FormatInt(v.BrokenAt, 10),
			"reason":    v.Reason,
		})
}

const (
	ReasonIndexGap         = "index gap"
	ReasonTenantMismatch   = "tenant mismatch"
	ReasonPreviousMismatch = "previous hash mismatch"
	ReasonHashMismatch     = "entry hash mismatch"
	ReasonTruncated        = "entries missing before head"
	ReasonHeadMismatch     = "head hash mismatch"
)

// Verify walks the tenant's chain and reports the first entry whose
// linkage or hash does not hold. The walk is bounded by the stored chain
// head, which must agree with the last entry read. It never repairs anything.
func (l *Ledger) Verify(ctx context.Context, tenantID string) (Verification, error) {
	head, err := l.Head(ctx, tenantID)
	if err != nil {
		return Verification{}, err
	}
	result := Verification{TenantID: tenantID, Valid: true, BrokenAt: -1}
	expectedIndex := int64(0)
	expectedPrev := domain.GenesisHash

	err = l.Walk(ctx, tenantID, func(entry domain.ChainEntry) error {
		// entries appended after the head was read belong to the next run
		if expectedIndex >= head.NextIndex {
			return io.EOF
		}
		if reason := checkEntry(entry, tenantID, expectedIndex, expectedPrev); reason != "" {
			result.Valid = false
			result.BrokenAt = expectedIndex
			if reason != ReasonIndexGap {
				result.BrokenAt = entry.Index
			}
			result.Reason = reason
			return io.EOF
		}
		expectedIndex++
		expectedPrev = entry.Hash
		result.Entries++
		result.HeadHash = entry.Hash
		return nil
	})
	if err != nil {
		return Verification{}, err
	}
	if result.Valid {
		switch {
		case result.Entries < head.NextIndex:
			result.Valid = false
			result.BrokenAt = result.Entries
			result.Reason = ReasonTruncated
		case expectedPrev != head.LastHash:
			result.Valid = false
			result.BrokenAt = max(result.Entries-1, 0)
			result.Reason = ReasonHeadMismatch
		}
	}
	if !result.Valid {
		l.logger.Warn("audit chain integrity violation",
			"tenant_id", tenantID,
			"broken_at", result.BrokenAt,
			"reason", result.Reason,
		)
	}
	return result, nil
}

func checkEntry(entry domain.ChainEntry, tenantID string, expectedIndex int64, expectedPrev string) string {
	if entry.Index != expectedIndex {
		return ReasonIndexGap
	}
	if entry.TenantID != tenantID {
		return ReasonTenantMismatch
	}
	if entry.PreviousHash != expectedPrev {
		return ReasonPreviousMismatch
	}
	hash, err := ComputeHash(entry.PreviousHash, entry.Payload, entry.Index)
	if err != nil || hash != entry.Hash {
		return ReasonHashMismatch
	}
	return ""
}
