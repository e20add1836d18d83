package builder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/appsworld/dyld-shared-cache-builder/internal/cacheformat"
	"github.com/appsworld/dyld-shared-cache-builder/internal/layout"
)

// headerImage carries one admitted candidate's contribution to the header's
// image-info, image-text-info, and install-name string pool tables.
type headerImage struct {
	LoadPath    string
	InstallName string
	UUID        [16]byte
	TextAddress uint64
	TextSize    uint64
}

// buildHeaderImage derives a headerImage from img's first (header) segment
// placement, the same segment closure.Builder.Run treats as the image's
// cache base.
func buildHeaderImage(img Image, plan *layout.Plan) (headerImage, error) {
	segs := img.Analyzer.Segments()
	if len(segs) == 0 {
		return headerImage{}, fmt.Errorf("builder: %s has no segments", img.LoadPath)
	}
	placement, ok := placementFor(plan.Placements, img.LoadPath, segs[0].Index)
	if !ok {
		return headerImage{}, fmt.Errorf("builder: %s's header segment was never placed", img.LoadPath)
	}
	return headerImage{
		LoadPath:    img.LoadPath,
		InstallName: img.Analyzer.InstallName(),
		UUID:        img.Analyzer.UUID(),
		TextAddress: placement.DestAddress,
		TextSize:    segs[0].VMSize,
	}, nil
}

// writeHeader serializes the cache header, its three mapping records, the
// branch-pool address table, the per-image info/text tables, and the
// install-name string pool into arena[0:plan.HeaderReserveSize] — the layout
// internal/layout's headerReserveSize sized for (spec.md §4.4 step 1, §6.2).
// The header's UUID field is left zeroed; internal/codesign.Sign derives and
// writes the real one as part of ad-hoc signing.
func writeHeader(arena []byte, plan *layout.Plan, images []headerImage, archKey string, platform uint8, cacheType cacheformat.CacheType, codeSigOffset, codeSigSize uint64) error {
	sorted := make([]headerImage, len(images))
	copy(sorted, images)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LoadPath < sorted[j].LoadPath })

	stringPool := &bytes.Buffer{}
	stringOffsets := make(map[string]uint32, len(sorted))
	for _, img := range sorted {
		stringOffsets[img.LoadPath] = uint32(stringPool.Len())
		stringPool.WriteString(img.InstallName)
		stringPool.WriteByte(0)
	}

	mappingOffset := uint32(cacheformat.HeaderSize)
	branchPoolsOffset := mappingOffset + 3*cacheformat.MappingInfoSize
	imagesOffset := branchPoolsOffset + uint32(plan.Profile.BranchPoolCapacity())*8
	imagesTextOffset := imagesOffset + uint32(len(sorted))*cacheformat.ImageInfoSize
	stringPoolOffset := imagesTextOffset + uint32(len(sorted))*cacheformat.ImageTextInfoSize

	if uint64(int(stringPoolOffset)+stringPool.Len()) > plan.HeaderReserveSize {
		return fmt.Errorf("builder: header tables of %#x bytes exceed their %#x reservation", int(stringPoolOffset)+stringPool.Len(), plan.HeaderReserveSize)
	}

	header := cacheformat.Header{
		MappingOffset:       mappingOffset,
		MappingCount:        3,
		ImagesOffset:        imagesOffset,
		ImagesCount:         uint32(len(sorted)),
		DyldBaseAddress:     plan.Profile.SharedMemoryStart,
		CodeSignatureOffset: codeSigOffset,
		CodeSignatureSize:   codeSigSize,
		SlideInfoOffset:     plan.SlideInfoReserveOffset,
		SlideInfoSize:       plan.SlideInfoReserveSize,
		CacheType:           cacheType,
		BranchPoolsOffset:   branchPoolsOffset,
		BranchPoolsCount:    uint32(len(plan.BranchPoolAddresses)),
		ImagesTextOffset:    uint64(imagesTextOffset),
		ImagesTextCount:     uint64(len(sorted)),
		Platform:            platform,
		FormatVersion:       1,
		SharedRegionStart:   plan.Profile.SharedMemoryStart,
		SharedRegionSize:    plan.Profile.SharedMemorySize,
		MaxSlide:            plan.Profile.SharedMemorySize,
	}
	copy(header.Magic[:], cacheformat.MagicPrefix)
	for i := len(cacheformat.MagicPrefix); i < cacheformat.MagicSize-1; i++ {
		header.Magic[i] = ' '
	}
	if len(cacheformat.MagicPrefix)+1+len(archKey) <= cacheformat.MagicSize {
		copy(header.Magic[cacheformat.MagicSize-len(archKey):], archKey)
	}

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("builder: encoding cache header: %w", err)
	}
	if buf.Len() > cacheformat.HeaderSize {
		return fmt.Errorf("builder: encoded header of %d bytes exceeds its %d byte reservation", buf.Len(), cacheformat.HeaderSize)
	}
	copy(arena[0:], buf.Bytes())

	off := mappingOffset
	for _, kind := range []layout.RegionKind{layout.Execute, layout.Write, layout.ReadOnly} {
		r := plan.Regions[kind]
		mi := cacheformat.MappingInfo{
			Address:    r.BaseAddress,
			Size:       r.Used,
			FileOffset: r.BaseAddress - plan.Profile.SharedMemoryStart,
			MaxProt:    r.MaxProt,
			InitProt:   r.InitProt,
		}
		mbuf := &bytes.Buffer{}
		if err := binary.Write(mbuf, binary.LittleEndian, mi); err != nil {
			return fmt.Errorf("builder: encoding mapping record: %w", err)
		}
		copy(arena[off:], mbuf.Bytes())
		off += cacheformat.MappingInfoSize
	}

	off = branchPoolsOffset
	for _, addr := range plan.BranchPoolAddresses {
		binary.LittleEndian.PutUint64(arena[off:], addr)
		off += 8
	}

	off = imagesOffset
	for _, img := range sorted {
		ii := cacheformat.ImageInfo{
			Address:        img.TextAddress,
			PathFileOffset: stringPoolOffset + stringOffsets[img.LoadPath],
		}
		ibuf := &bytes.Buffer{}
		if err := binary.Write(ibuf, binary.LittleEndian, ii); err != nil {
			return fmt.Errorf("builder: encoding image-info record: %w", err)
		}
		copy(arena[off:], ibuf.Bytes())
		off += cacheformat.ImageInfoSize
	}

	off = imagesTextOffset
	for _, img := range sorted {
		it := cacheformat.ImageTextInfo{
			UUID:            img.UUID,
			LoadAddress:     img.TextAddress,
			TextSegmentSize: img.TextSize,
			PathOffset:      stringPoolOffset + stringOffsets[img.LoadPath],
		}
		tbuf := &bytes.Buffer{}
		if err := binary.Write(tbuf, binary.LittleEndian, it); err != nil {
			return fmt.Errorf("builder: encoding image-text-info record: %w", err)
		}
		copy(arena[off:], tbuf.Bytes())
		off += cacheformat.ImageTextInfoSize
	}

	copy(arena[stringPoolOffset:], stringPool.Bytes())
	return nil
}
