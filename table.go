package ewf

import (
	"os"

	"github.com/dfirlab/ewfcore/internal"
)

// chunkLocation is one resolved entry of the global chunk table (§3, §4.7):
// which segment holds the chunk, where in that segment, whether it's
// compressed, and how many on-disk bytes it occupies.
type chunkLocation struct {
	SegmentIndex int
	FileOffset   uint64
	Compressed   bool
	OnDiskSize   uint32
}

// maxReasonableChunkSize bounds on-disk chunk size sanity checks (§4.7:
// "A size exceeding chunk_size * 2 indicates corruption").
func maxReasonableChunkSize(chunkSizeBytes uint64) uint64 {
	return chunkSizeBytes * 2
}

// rawTableEntry is one 32-bit table entry decoded per §4.7: the MSB marks
// compression, the low 31 bits are an offset relative to the table's
// base_offset.
func decodeTableEntry(raw uint32, baseOffset uint64) (offset uint64, compressed bool) {
	compressed = raw&internal.TableEntryCompressedFlag != 0
	offset = baseOffset + uint64(raw&internal.TableEntryOffsetMask)
	return offset, compressed
}

// readTableSection parses one table/table2 section body into
// (offsets, compressed flags, section end) (§4.7, §6): chunk_count u32,
// padding(4), base_offset u64, padding(4), checksum u32, entries
// u32[chunk_count].
func readTableSection(f *os.File, seg Segment, rec sectionRecord) (offsets []uint64, compressed []bool, err error) {
	if rec.SectionSize-internal.SectionDescriptorLen < internal.TableHeaderLength {
		return nil, nil, errSectionCorrupt(seg.Path, rec.Type, int64(rec.DataOffset))
	}

	var header [internal.TableHeaderLength]byte
	if err := readFull(f, seg.Path, int64(rec.DataOffset), header[:]); err != nil {
		return nil, nil, err
	}
	entryCount := leU32(header[0:4])
	baseOffset := leU64(header[8:16])

	entriesStart := rec.DataOffset + internal.TableHeaderLength
	available := rec.SectionSize - internal.SectionDescriptorLen - internal.TableHeaderLength
	if uint64(entryCount)*4 > available {
		return nil, nil, errSectionCorrupt(seg.Path, rec.Type, int64(entriesStart))
	}

	raw := make([]byte, uint64(entryCount)*4)
	if err := readFull(f, seg.Path, int64(entriesStart), raw); err != nil {
		return nil, nil, err
	}

	offsets = make([]uint64, entryCount)
	compressed = make([]bool, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		off, comp := decodeTableEntry(leU32(raw[i*4:i*4+4]), baseOffset)
		offsets[i] = off
		compressed[i] = comp
	}
	return offsets, compressed, nil
}

// precedingSectorsEnd finds the nearest "sectors" section before tableIdx
// in the section list and returns its end offset — the table describes
// the chunk bytes physically stored in that preceding sectors region
// (§4.7). A table and its table2 mirror share the same preceding sectors
// section, so sibling table/table2 records are walked past rather than
// stopping the search. If no sectors section is found, the start of the
// table's own descriptor is used as the bound instead.
func precedingSectorsEnd(sections []sectionRecord, tableIdx int) uint64 {
	for i := tableIdx - 1; i >= 0; i-- {
		if sections[i].Type == "sectors" {
			return sections[i].FileOffset + sections[i].SectionSize
		}
	}
	return sections[tableIdx].FileOffset
}

// buildChunkTable resolves the global chunk table across every parsed
// segment (§4.7). table2 is used only when table is absent or its
// section is malformed — table2 is a redundant mirror.
func buildChunkTable(files []*os.File, segs []*segmentFile, volume VolumeInfo) ([]chunkLocation, error) {
	table := make([]chunkLocation, 0, volume.ChunkCount)
	chunkSize := volume.ChunkSizeBytes()

	for si, sf := range segs {
		appliedForRun := false
		for idx, rec := range sf.Sections {
			if rec.Type == "sectors" {
				appliedForRun = false
				continue
			}
			if rec.Type != "table" && rec.Type != "table2" {
				continue
			}
			// Prefer "table"; only fall back to "table2" when no sibling
			// "table" section parsed successfully for this sectors run.
			if rec.Type == "table2" && appliedForRun {
				continue
			}

			offsets, compressedFlags, err := readTableSection(files[si], sf.Segment, rec)
			if err != nil {
				if rec.Type == "table" {
					continue // let a sibling table2 attempt to recover
				}
				return nil, err
			}

			end := precedingSectorsEnd(sf.Sections, idx)
			n := len(offsets)
			for i := 0; i < n; i++ {
				var size uint64
				if i < n-1 {
					size = offsets[i+1] - offsets[i]
				} else {
					size = end - offsets[i]
				}
				if size == 0 || size > maxReasonableChunkSize(chunkSize) {
					return nil, errSectionCorrupt(sf.Segment.Path, rec.Type, int64(offsets[i]))
				}
				table = append(table, chunkLocation{
					SegmentIndex: sf.Segment.Index,
					FileOffset:   offsets[i],
					Compressed:   compressedFlags[i],
					OnDiskSize:   uint32(size),
				})
			}
			appliedForRun = true
		}
	}

	if uint64(len(table)) != volume.ChunkCount {
		return nil, errSectionCorrupt("", "table", 0)
	}
	for i := 1; i < len(table); i++ {
		if table[i].SegmentIndex == table[i-1].SegmentIndex && table[i].FileOffset <= table[i-1].FileOffset {
			return nil, errSectionCorrupt("", "table", int64(table[i].FileOffset))
		}
	}
	return table, nil
}
