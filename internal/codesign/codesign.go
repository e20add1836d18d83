// Package codesign is the write-side counterpart of the teacher's
// pkg/codesign package: it ad-hoc signs a finished cache image, producing an
// embedded SuperBlob whose wire layout is shared with pkg/codesign/types so
// the output round-trips through the teacher's own ParseCodeSignature, and
// derives the cache's content UUID from the resulting code directory.
package codesign

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/appsworld/dyld-shared-cache-builder/internal/diag"
	cstypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

const pageSize = cstypes.PAGE_SIZE

// Mode selects which CodeDirectory digest(s) Sign embeds, per spec.md
// §4.9's {SHA-1-only, SHA-256-only, Agile} mode selection.
type Mode int

const (
	// ModeAgile builds both a primary SHA-1 CodeDirectory and an alternate
	// SHA-256 CodeDirectory, the default for dyld shared caches.
	ModeAgile Mode = iota
	ModeSHA1Only
	ModeSHA256Only
)

func (m Mode) valid() bool {
	return m == ModeAgile || m == ModeSHA1Only || m == ModeSHA256Only
}

// HashAgent names one digest this signer can embed as a CodeDirectory.
type HashAgent int

const (
	SHA1 HashAgent = iota
	SHA256
)

func (h HashAgent) size() int {
	if h == SHA1 {
		return cstypes.HASH_SIZE_SHA1
	}
	return cstypes.HASH_SIZE_SHA256
}

func (h HashAgent) hashType() uint8 {
	if h == SHA1 {
		return 1 // HASHTYPE_SHA1
	}
	return 2 // HASHTYPE_SHA256
}

func (h HashAgent) sum(b []byte) []byte {
	if h == SHA1 {
		s := sha1.Sum(b)
		return s[:]
	}
	s := sha256.Sum256(b)
	return s[:]
}

// Result is what Sign produced.
type Result struct {
	Blob        []byte // the embedded SuperBlob to place at the LC_CODE_SIGNATURE offset
	UUID        [16]byte
	CDHashFirst string // primary CodeDirectory's cdHash (primary hash algorithm), hex-encoded
	// CDHashSecond is the alternate CodeDirectory's cdHash, hashed with
	// SHA-256 regardless of the alternate CD's own algorithm. Empty unless
	// mode is ModeAgile.
	CDHashSecond string
}

const (
	superBlobHeaderSize = 4 + 4 + 4
	blobIndexSize       = 4 + 4
	codeDirFixedSize    = 13*4 + 4 + 4*8 // matches pkg/codesign/types.CodeDirectoryType through ExecSegFlags

	magicEmbeddedSignature = 0xfade0cc0
	magicCodeDirectory     = 0xfade0c02
	slotCodeDirectory      = 0
	slotAlternateCD0       = 0x1000

	cdVersionExecSeg = 0x20400
	flagAdhoc        = 0x00000002
	execSegMainExec  = 0x1
)

// agentsFor resolves mode into the primary hash algorithm and, when mode is
// ModeAgile, the alternate algorithm too. Per spec.md §4.9, Agile pairs a
// primary SHA-1 CodeDirectory with an alternate SHA-256 CodeDirectory.
func agentsFor(mode Mode) (primary HashAgent, hasAlternate bool, alternate HashAgent) {
	switch mode {
	case ModeAgile:
		return SHA1, true, SHA256
	case ModeSHA1Only:
		return SHA1, false, 0
	case ModeSHA256Only:
		return SHA256, false, 0
	default:
		return 0, false, 0
	}
}

// Sign ad-hoc signs data in place per mode ({SHA-1-only, SHA-256-only,
// Agile}): it computes page hashes for the mode's digest(s), lays out a
// SuperBlob carrying the resulting CodeDirectory blob(s), derives the cache
// UUID as MD5(primary CodeDirectory) tagged as an RFC 4122 version-3 UUID,
// writes it into data[uuidOffset:uuidOffset+16], clears it first so the
// derivation doesn't depend on stale bytes, and finally re-hashes page 0
// alone (the only page whose content changed) so every CodeDirectory's
// page-0 hash slot covers the final UUID.
// textOff/textSize describe the image's executable segment; identifier is
// the CodeDirectory's ID string. uuidOffset must lie within page 0.
func Sign(ctx context.Context, data []byte, mode Mode, identifier string, textOff, textSize, uuidOffset int64) (Result, error) {
	if !mode.valid() {
		return Result{}, &diag.SigningConfigInvalidError{Reason: fmt.Sprintf("unknown signing mode %d, want one of ModeAgile/ModeSHA1Only/ModeSHA256Only", int(mode))}
	}
	if uuidOffset < 0 || uuidOffset+16 > int64(len(data)) || uuidOffset+16 > pageSize {
		return Result{}, &diag.SigningConfigInvalidError{Reason: fmt.Sprintf("uuid offset %#x does not lie within page 0 of a %d-byte image", uuidOffset, len(data))}
	}

	primaryAgent, hasAlternate, alternateAgent := agentsFor(mode)

	codeSize := int64(len(data))
	nPages := (codeSize + pageSize - 1) / pageSize

	for i := 0; i < 16; i++ {
		data[uuidOffset+int64(i)] = 0
	}

	primaryHashes, err := hashPages(ctx, data, primaryAgent, nPages)
	if err != nil {
		return Result{}, err
	}
	var alternateHashes [][]byte
	if hasAlternate {
		alternateHashes, err = hashPages(ctx, data, alternateAgent, nPages)
		if err != nil {
			return Result{}, err
		}
	}

	primary := buildCodeDirectory(primaryAgent, identifier, codeSize, textOff, textSize, primaryHashes)

	uuid := deriveUUID(primary)
	copy(data[uuidOffset:uuidOffset+16], uuid[:])

	page0 := data[:min64(pageSize, codeSize)]
	primaryHashes[0] = primaryAgent.sum(page0)
	primary = buildCodeDirectory(primaryAgent, identifier, codeSize, textOff, textSize, primaryHashes)

	var alternate []byte
	if hasAlternate {
		alternateHashes[0] = alternateAgent.sum(page0)
		alternate = buildCodeDirectory(alternateAgent, identifier, codeSize, textOff, textSize, alternateHashes)
	}

	nBlobs := 1
	total := superBlobHeaderSize + blobIndexSize + len(primary)
	if hasAlternate {
		nBlobs = 2
		total += blobIndexSize + len(alternate)
	}
	out := make([]byte, total)

	primaryOff := superBlobHeaderSize + nBlobs*blobIndexSize

	binary.BigEndian.PutUint32(out[0:4], magicEmbeddedSignature)
	binary.BigEndian.PutUint32(out[4:8], uint32(total))
	binary.BigEndian.PutUint32(out[8:12], uint32(nBlobs))

	binary.BigEndian.PutUint32(out[12:16], slotCodeDirectory)
	binary.BigEndian.PutUint32(out[16:20], uint32(primaryOff))
	copy(out[primaryOff:], primary)

	result := Result{
		Blob: out,
		UUID: uuid,
	}
	primaryHash := primaryAgent.sum(primary)
	result.CDHashFirst = fmt.Sprintf("%x", primaryHash[:cstypes.CDHASH_LEN])

	if hasAlternate {
		alternateOff := primaryOff + len(primary)
		binary.BigEndian.PutUint32(out[20:24], slotAlternateCD0)
		binary.BigEndian.PutUint32(out[24:28], uint32(alternateOff))
		copy(out[alternateOff:], alternate)

		alternateHash := sha256.Sum256(alternate)
		result.CDHashSecond = fmt.Sprintf("%x", alternateHash[:cstypes.CDHASH_LEN])
	}

	return result, nil
}

// deriveUUID computes MD5(codeDirectory) and tags it as an RFC 4122
// version-3 (name-based, MD5) UUID: version nibble in byte 6, variant bits
// in byte 8.
func deriveUUID(codeDirectory []byte) [16]byte {
	sum := md5.Sum(codeDirectory)
	sum[6] = (sum[6] & 0x0F) | 0x30
	sum[8] = (sum[8] & 0x3F) | 0x80
	return sum
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// hashPages shards the page range across GOMAXPROCS goroutines, each
// writing into a disjoint slice of the hash-slot array; errgroup carries the
// first error, if any (out-of-range reads never happen here since data is a
// plain in-memory slice, but the shape matches the segment-copy phase's
// concurrency pattern).
func hashPages(ctx context.Context, data []byte, agent HashAgent, nPages int64) ([][]byte, error) {
	hashes := make([][]byte, nPages)
	if nPages == 0 {
		return hashes, nil
	}

	workers := runtime.GOMAXPROCS(0)
	if int64(workers) > nPages {
		workers = int(nPages)
	}
	shard := (nPages + int64(workers) - 1) / int64(workers)

	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		start := int64(w) * shard
		end := start + shard
		if end > nPages {
			end = nPages
		}
		if start >= end {
			continue
		}
		g.Go(func() error {
			for p := start; p < end; p++ {
				lo := p * pageSize
				hi := lo + pageSize
				if hi > int64(len(data)) {
					hi = int64(len(data))
				}
				hashes[p] = agent.sum(data[lo:hi])
			}
			return nil
		})
	}
	return hashes, g.Wait()
}

func buildCodeDirectory(agent HashAgent, identifier string, codeSize, textOff, textSize int64, hashes [][]byte) []byte {
	hashSize := agent.size()
	idOff := codeDirFixedSize
	hashOff := idOff + len(identifier) + 1
	length := hashOff + len(hashes)*hashSize

	buf := make([]byte, length)
	binary.BigEndian.PutUint32(buf[0:4], magicCodeDirectory)
	binary.BigEndian.PutUint32(buf[4:8], uint32(length))
	binary.BigEndian.PutUint32(buf[8:12], cdVersionExecSeg)
	binary.BigEndian.PutUint32(buf[12:16], flagAdhoc)
	binary.BigEndian.PutUint32(buf[16:20], uint32(hashOff))
	binary.BigEndian.PutUint32(buf[20:24], uint32(idOff))
	binary.BigEndian.PutUint32(buf[24:28], 0) // NSpecialSlots
	binary.BigEndian.PutUint32(buf[28:32], uint32(len(hashes)))
	binary.BigEndian.PutUint32(buf[32:36], uint32(codeSize))
	buf[36] = byte(hashSize)
	buf[37] = agent.hashType()
	buf[38] = 0  // Platform
	buf[39] = 12 // PageSize, log2(4096)
	binary.BigEndian.PutUint32(buf[40:44], 0) // Spare2
	binary.BigEndian.PutUint32(buf[44:48], 0) // ScatterOffset
	binary.BigEndian.PutUint32(buf[48:52], 0) // TeamOffset
	binary.BigEndian.PutUint32(buf[52:56], 0) // Spare3
	binary.BigEndian.PutUint64(buf[56:64], 0) // CodeLimit64
	binary.BigEndian.PutUint64(buf[64:72], uint64(textOff))
	binary.BigEndian.PutUint64(buf[72:80], uint64(textSize))
	binary.BigEndian.PutUint64(buf[80:88], execSegMainExec)

	copy(buf[idOff:], identifier)

	off := hashOff
	for _, h := range hashes {
		copy(buf[off:off+hashSize], h)
		off += hashSize
	}
	return buf
}
