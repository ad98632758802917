// Package wire implements the binary framing used on the SOCKS5
// bytestream side channel (spec §4.6): every datagram is a 4-byte
// big-endian length prefix followed by a msgpack-encoded Envelope.
// The format is opaque outside the watcher and daemon processes — any
// stable binary codec would do; msgpack is used here because it
// round-trips the typed object graph below with no schema of its own.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/baboon-sync/baboon/internal/delta"
	"github.com/vmihailenco/msgpack/v5"
)

// maxPayloadSize guards against a corrupt or hostile length prefix
// causing an unbounded allocation.
const maxPayloadSize = 256 * 1024 * 1024

// BlockHash is the wire form of a delta.BlockSignature.
type BlockHash struct {
	Index  int
	Weak   uint32
	Strong []byte
}

// FileHashes pairs a project-relative path with its block signatures,
// sent by the daemon in response to a MODIFY event.
type FileHashes struct {
	RelPath string
	Blocks  []BlockHash
}

// DeltaOp is the wire form of a delta.Op.
type DeltaOp struct {
	Kind    delta.OpKind
	Literal []byte
	Block   int
}

// FileDelta pairs a project-relative path with the ops needed to
// reconstruct it, sent by the watcher after diffing against hashes.
type FileDelta struct {
	RelPath string
	Ops     []DeltaOp
}

// Envelope is the single typed object graph exchanged over the
// bytestream, carrying either a Hashes or a Delta payload for one
// rsync transaction (spec §4.6: "{SID, RID, project, hashes | delta, from}").
type Envelope struct {
	SID     string
	RID     string
	Project string
	From    string
	Hashes  []FileHashes `msgpack:",omitempty"`
	Delta   []FileDelta  `msgpack:",omitempty"`
}

// ToBlockHashes converts delta.BlockSignatures to their wire form.
func ToBlockHashes(sigs []delta.BlockSignature) []BlockHash {
	out := make([]BlockHash, len(sigs))
	for i, s := range sigs {
		strong := make([]byte, len(s.Strong))
		copy(strong, s.Strong[:])
		out[i] = BlockHash{Index: s.Index, Weak: s.Weak, Strong: strong}
	}
	return out
}

// ToDeltaOps converts a delta.Delta to its wire form.
func ToDeltaOps(d delta.Delta) []DeltaOp {
	out := make([]DeltaOp, len(d))
	for i, op := range d {
		out[i] = DeltaOp{Kind: op.Kind, Literal: op.Literal, Block: op.Block}
	}
	return out
}

// ToDelta converts a wire-form delta back into a delta.Delta.
func ToDelta(ops []DeltaOp) delta.Delta {
	out := make(delta.Delta, len(ops))
	for i, op := range ops {
		out[i] = delta.Op{Kind: op.Kind, Literal: op.Literal, Block: op.Block}
	}
	return out
}

// WriteEnvelope serialises env and writes it to w as a length-prefixed
// frame: a 4-byte big-endian length followed by the msgpack payload.
func WriteEnvelope(w io.Writer, env Envelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("envelope payload too large: %d bytes", len(payload))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write envelope payload: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-prefixed frame from r and decodes it.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var env Envelope

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return env, fmt.Errorf("read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxPayloadSize {
		return env, fmt.Errorf("envelope payload too large: %d bytes", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return env, fmt.Errorf("read envelope payload: %w", err)
	}

	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// NewFramedReader wraps r with buffering sized for typical envelope
// traffic, matching the bytestream's small-message, high-frequency
// access pattern.
func NewFramedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 64*1024)
}
