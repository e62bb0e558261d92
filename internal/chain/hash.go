package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the hash
// input for a given entry is always the same byte sequence.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("chain: CBOR encoder initialization failed: " + err.Error())
	}
}

type hashInput struct {
	_            struct{} `cbor:",toarray"`
	PreviousHash string
	Payload      []byte
	Index        int64
}

// ComputeHash returns the hex SHA-256 of the canonical encoding of
// (previousHash, payload, index).
func ComputeHash(previousHash string, payload []byte, index int64) (string, error) {
	raw, err := encMode.Marshal(hashInput{
		PreviousHash: previousHash,
		Payload:      payload,
		Index:        index,
	})
	if err != nil {
		return "", fmt.Errorf("encode hash input: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
