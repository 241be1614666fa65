// Package ledger implements the tamper-evident, hash-chained record of every
// governance decision.
//
// Each entry commits to its predecessor:
//
//	hash = SHA-256(sequence(8 bytes big-endian) || timestamp(RFC3339Nano UTC) || payload || prevHash)
//
// The genesis entry links to 32 zero bytes and carries sequence 1.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HashSize is the length of a chain hash in bytes.
const HashSize = sha256.Size

// GenesisHash is the prevHash of the first entry.
var GenesisHash = make([]byte, HashSize)

const keyPrefix = "ledger/"

// Entry is one confirmed link of the chain.
type Entry struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

// ComputeHash returns the chain hash for the given fields.
func ComputeHash(sequence uint64, ts time.Time, payload, prevHash []byte) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)

	h := sha256.New()
	h.Write(seq[:])
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write(payload)
	h.Write(prevHash)
	return h.Sum(nil)
}

// verify checks the entry's own hash and its link to prevHash. It returns a
// short reason on failure.
func (e Entry) verify(prevHash []byte) (bool, string) {
	linked, err := hex.DecodeString(e.PrevHash)
	if err != nil || !bytes.Equal(linked, prevHash) {
		return false, "prevHash does not link to previous entry"
	}
	stored, err := hex.DecodeString(e.Hash)
	if err != nil {
		return false, "stored hash is not valid hex"
	}
	if !bytes.Equal(stored, ComputeHash(e.Sequence, e.Timestamp, e.Payload, linked)) {
		return false, "hash mismatch"
	}
	return true, ""
}

func entryKey(sequence uint64) string {
	return fmt.Sprintf("%s%020d", keyPrefix, sequence)
}

func sequenceFromKey(key string) (uint64, bool) {
	seq, err := strconv.ParseUint(strings.TrimPrefix(key, keyPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func newEntry(sequence uint64, ts time.Time, payload, prevHash []byte) Entry {
	ts = ts.UTC()
	return Entry{
		Sequence:  sequence,
		Timestamp: ts,
		Payload:   payload,
		PrevHash:  hex.EncodeToString(prevHash),
		Hash:      hex.EncodeToString(ComputeHash(sequence, ts, payload, prevHash)),
	}
}

// compactPayload normalizes payload to the exact bytes encoding/json emits for
// a RawMessage, so the stored form hashes the same as the appended form.
func compactPayload(payload []byte) ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	var escaped bytes.Buffer
	json.HTMLEscape(&escaped, compact.Bytes())
	return escaped.Bytes(), nil
}
