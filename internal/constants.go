// Package internal holds the bit-exact constants for the EWF on-disk
// layout: signatures, section descriptor geometry, and the enumerations
// used by the volume section. Kept separate from package ewf so the
// format table can be grown (EWF2 descriptors, new media flags) without
// touching parser logic.
package internal

// Segment signatures. Each is the full 13-byte value found at offset 0 of
// every segment file: an 8-byte magic followed by 5 reserved/zero bytes.
var (
	SignatureE01 = [13]byte{'E', 'V', 'F', 0x09, 0x0d, 0x0a, 0xff, 0x00}
	SignatureL01 = [13]byte{'L', 'V', 'F', 0x09, 0x0d, 0x0a, 0xff, 0x00}
	SignatureEx01 = [13]byte{'E', 'V', 'F', '2', 0x0d, 0x0a, 0x81, 0x00}
	SignatureLx01 = [13]byte{'L', 'V', 'F', '2', 0x0d, 0x0a, 0x81, 0x00}
)

// Segment header geometry (v1): signature(13) + fields(1) + segment
// number(2), after which the section descriptor chain begins.
const (
	SignatureLength      = 13
	SegmentHeaderLength  = 16
	SectionDescriptorLen = 76 // type_tag(16) + next_offset(8) + section_size(8) + padding(40) + checksum(4)
	TableHeaderLength    = 24 // chunk_count(4) + padding(4) + base_offset(8) + padding(4) + checksum(4)
	ChunkTrailerCRCLen   = 4
)

// Media type (volume section byte 0).
const (
	MediaTypeRemovable = 0x00
	MediaTypeFixed     = 0x01
	MediaTypeOptical   = 0x03
	MediaTypeLogical   = 0x0e
	MediaTypeRAM       = 0x10
)

// Media flags (volume section).
const (
	MediaFlagImage    = 0x01
	MediaFlagPhysical = 0x02
	MediaFlagFastbloc = 0x04
	MediaFlagTableau  = 0x08
)

// Compression level (volume section).
const (
	CompressionNone = 0x00
	CompressionGood = 0x01
	CompressionBest = 0x02
)

// Table entry encoding: MSB marks compression, low 31 bits are the offset.
const (
	TableEntryCompressedFlag = 0x80000000
	TableEntryOffsetMask     = 0x7fffffff
)

// KnownSectionTypes lists every section type tag §3 recognizes; anything
// else found while walking a section chain is SectionCorrupt, not silently
// skipped.
var KnownSectionTypes = map[string]bool{
	"header":  true,
	"header2": true,
	"volume":  true,
	"disk":    true,
	"data":    true,
	"sectors": true,
	"table":   true,
	"table2":  true,
	"next":    true,
	"ltree":   true,
	"session": true,
	"error2":  true,
	"hash":    true,
	"digest":  true,
	"done":    true,
}
