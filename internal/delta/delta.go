// Package delta implements the rolling-checksum block-diff codec used
// by the rsync-style delta-sync protocol (spec §4.3). The daemon
// computes BlockSignatures over its server-side copy of a file; the
// watcher diffs its local copy against those signatures to produce a
// Delta of literal and matched-block tokens; the daemon applies the
// Delta to reconstruct the new server-side copy.
package delta

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
)

// BlockSize is the block granularity checksums are computed over
// (spec §4.3: "per 8 KiB block").
const BlockSize = 8 * 1024

// weakMod is the modulus for the rolling weak checksum, matching the
// classical rsync algorithm (Tridgell & Mackerras).
const weakMod = 1 << 16

// BlockSignature is the (weakRollingSum, strongHash) pair for one
// 8 KiB block of a file, plus the block's index in that file.
type BlockSignature struct {
	Index  int
	Weak   uint32
	Strong [md5.Size]byte
}

// Signatures computes the block signature list for r, reading it to
// EOF. The final block may be shorter than BlockSize.
func Signatures(r io.Reader) ([]BlockSignature, error) {
	var sigs []BlockSignature
	buf := make([]byte, BlockSize)
	idx := 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			weak, _ := weakChecksum(buf[:n])
			sigs = append(sigs, BlockSignature{
				Index:  idx,
				Weak:   weak,
				Strong: md5.Sum(buf[:n]),
			})
			idx++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read block %d: %w", idx, err)
		}
	}
	return sigs, nil
}

// OpKind distinguishes the two token kinds a Delta is built from.
type OpKind int

const (
	// OpLiteral carries raw bytes not found in any remote block.
	OpLiteral OpKind = iota
	// OpBlockMatch references an unchanged block by its remote index.
	OpBlockMatch
)

// Op is one token of a Delta: either literal bytes or a reference to
// an unchanged remote block.
type Op struct {
	Kind    OpKind
	Literal []byte
	Block   int
}

// Delta is the ordered sequence of tokens describing how to transform
// the signed (remote) file into the local file.
type Delta []Op

// Diff computes the Delta that reconstructs data from the blocks
// described by sigs, using the rolling-checksum search: a weak-sum
// match is confirmed with the block's strong hash before being
// accepted, to the same standard the original rsync algorithm applies.
func Diff(data []byte, sigs []BlockSignature) Delta {
	byWeak := make(map[uint32][]BlockSignature, len(sigs))
	for _, s := range sigs {
		byWeak[s.Weak] = append(byWeak[s.Weak], s)
	}

	var delta Delta
	var literal []byte

	flushLiteral := func() {
		if len(literal) > 0 {
			delta = append(delta, Op{Kind: OpLiteral, Literal: literal})
			literal = nil
		}
	}

	n := len(data)
	if n == 0 {
		return delta
	}

	pos := 0
	windowLen := BlockSize
	if windowLen > n {
		windowLen = n
	}

	weak, a, b := weakChecksumParts(data[pos : pos+windowLen])

	for pos < n {
		end := pos + windowLen
		if end > n {
			end = n
		}

		if match, ok := findMatch(byWeak[weak], data[pos:end]); ok {
			flushLiteral()
			delta = append(delta, Op{Kind: OpBlockMatch, Block: match.Index})
			pos = end
			if pos >= n {
				break
			}
			windowLen = BlockSize
			if pos+windowLen > n {
				windowLen = n - pos
			}
			weak, a, b = weakChecksumParts(data[pos : pos+windowLen])
			continue
		}

		literal = append(literal, data[pos])
		pos++
		if pos >= n {
			break
		}

		if pos+windowLen <= n {
			oldByte := data[pos-1]
			newByte := data[pos+windowLen-1]
			a, b = rollChecksum(a, b, oldByte, newByte, windowLen)
			weak = a + b*weakMod
		} else {
			windowLen = n - pos
			if windowLen <= 0 {
				break
			}
			weak, a, b = weakChecksumParts(data[pos : pos+windowLen])
		}
	}

	flushLiteral()
	return delta
}

func findMatch(candidates []BlockSignature, window []byte) (BlockSignature, bool) {
	if len(candidates) == 0 {
		return BlockSignature{}, false
	}
	strong := md5.Sum(window)
	for _, c := range candidates {
		if c.Strong == strong {
			return c, true
		}
	}
	return BlockSignature{}, false
}

// Apply reconstructs the new file content by resolving each Op against
// base, the blocks of the previously-signed (remote) file.
func Apply(base []byte, d Delta) ([]byte, error) {
	var out bytes.Buffer
	for _, op := range d {
		switch op.Kind {
		case OpLiteral:
			out.Write(op.Literal)
		case OpBlockMatch:
			start := op.Block * BlockSize
			if start >= len(base) {
				return nil, fmt.Errorf("delta references out-of-range block %d", op.Block)
			}
			end := start + BlockSize
			if end > len(base) {
				end = len(base)
			}
			out.Write(base[start:end])
		default:
			return nil, fmt.Errorf("unknown delta op kind %d", op.Kind)
		}
	}
	return out.Bytes(), nil
}

// weakChecksum computes the rsync-style rolling checksum over buf in
// one pass, returning the combined value and its low/high parts.
func weakChecksum(buf []byte) (uint32, [2]uint32) {
	weak, a, b := weakChecksumParts(buf)
	return weak, [2]uint32{a, b}
}

func weakChecksumParts(buf []byte) (weak uint32, a uint32, b uint32) {
	n := uint32(len(buf))
	for i, c := range buf {
		a += uint32(c)
		b += (n - uint32(i)) * uint32(c)
	}
	a %= weakMod
	b %= weakMod
	return a + b*weakMod, a, b
}

// rollChecksum advances the rolling checksum by one byte: oldByte
// leaves the window at its front, newByte enters at its back.
func rollChecksum(a, b uint32, oldByte, newByte byte, windowLen int) (uint32, uint32) {
	n := uint32(windowLen)
	newA := (a - uint32(oldByte) + uint32(newByte)) % weakMod
	newB := (b - n*uint32(oldByte) + newA) % weakMod
	return newA, newB
}
