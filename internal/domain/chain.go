package domain

import "time"

// GenesisHash is the previous-hash marker of the first entry in every tenant chain.
const GenesisHash = "0"

// ChainEntry is one immutable link in a tenant's audit chain.
type ChainEntry struct {
	TenantID     string    `json:"tenant_id"`
	Index        int64     `json:"index"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      []byte    `json:"payload"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
}

// ChainHead is the tail state a new entry links to.
type ChainHead struct {
	TenantID  string
	NextIndex int64
	LastHash  string
}

// Genesis returns the head of an empty chain.
func Genesis(tenantID string) ChainHead {
	return ChainHead{TenantID: tenantID, NextIndex: 0, LastHash: GenesisHash}
}
