package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 (JCS) encoding of v.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canon, nil
}

// ComputeHash returns hex(SHA-256(prevHash || canonicalPayload || uint64be(sequence))).
func ComputeHash(prevHash string, canonicalPayload []byte, sequence uint64) string {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	h.Write(seq[:])
	return hex.EncodeToString(h.Sum(nil))
}

// CheckLink verifies an entry against the expected predecessor hash and sequence,
// then its own hash and signature. It returns a non-empty reason on failure.
func CheckLink(e Entry, expectedSeq uint64, expectedPrev string, verifier Verifier) string {
	if e.Sequence != expectedSeq {
		return fmt.Sprintf("sequence gap: expected %d, found %d", expectedSeq, e.Sequence)
	}
	if e.PrevHash != expectedPrev {
		return "prev_hash does not match predecessor"
	}
	if ComputeHash(e.PrevHash, e.Payload, e.Sequence) != e.Hash {
		return "hash mismatch"
	}
	if verifier != nil {
		if err := verifier.Verify(e.KeyID, e.Hash, e.Signature); err != nil {
			return "signature invalid"
		}
	}
	return ""
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
