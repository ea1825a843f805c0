package ewf

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/dfirlab/ewfcore/internal"
)

// fixtureImage is a hand-assembled EWF image with geometry small enough
// to exercise the section/table/handle chain without binary test data
// files.
type fixtureImage struct {
	Path            string
	MediaBytes      []byte // the reconstructed media, uncompressed, in order
	DeclaredMD5     string
	DeclaredSHA1    string
	BytesPerSector  uint32
	SectorsPerChunk uint32
	SectorCount     uint64
}

func le16(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }
func le32(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
func le64(v uint64) []byte { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, v); return b }

func sectionDescriptor(typeTag string, nextOffset, sectionSize uint64) []byte {
	buf := make([]byte, internal.SectionDescriptorLen)
	copy(buf[0:16], typeTag)
	copy(buf[16:24], le64(nextOffset))
	copy(buf[24:32], le64(sectionSize))
	return buf
}

// fixtureSection is one not-yet-placed section of a segment being built:
// its type tag and finished body bytes.
type fixtureSection struct {
	typeTag string
	body    []byte
}

func sectionLengths(sections []fixtureSection) []int {
	lens := make([]int, len(sections))
	for i, s := range sections {
		lens[i] = len(s.body)
	}
	return lens
}

// planOffsets returns each section's descriptor start offset, assuming
// they're laid out contiguously from start.
func planOffsets(start uint64, lens []int) []uint64 {
	offsets := make([]uint64, len(lens))
	off := start
	for i, l := range lens {
		offsets[i] = off
		off += uint64(internal.SectionDescriptorLen + l)
	}
	return offsets
}

// dataOffsetOf returns the absolute file offset where the first section
// matching typeTag's body begins, used to compute a table section's
// base_offset before that table's body is finalized.
func dataOffsetOf(typeTag string, sections []fixtureSection) uint64 {
	offsets := planOffsets(uint64(internal.SegmentHeaderLength), sectionLengths(sections))
	for i, s := range sections {
		if s.typeTag == typeTag {
			return offsets[i] + internal.SectionDescriptorLen
		}
	}
	return 0
}

// serializeSegment writes a full segment file: signature, segment
// number, then every section in sections back to back. The last
// section's next_offset self-loops; an earlier "done"/"next" type still
// terminates the chain per §4.6.
func serializeSegment(segNumber uint16, sections []fixtureSection) []byte {
	var buf bytes.Buffer
	buf.Write(internal.SignatureE01[:])
	buf.WriteByte(0)
	buf.Write(le16(segNumber))

	offsets := planOffsets(uint64(internal.SegmentHeaderLength), sectionLengths(sections))
	for i, s := range sections {
		next := offsets[i]
		if i+1 < len(sections) {
			next = offsets[i+1]
		}
		size := uint64(internal.SectionDescriptorLen + len(s.body))
		buf.Write(sectionDescriptor(s.typeTag, next, size))
		buf.Write(s.body)
	}
	return buf.Bytes()
}

func uncompressedChunkBody(data []byte) []byte {
	crc := crc32.ChecksumIEEE(data)
	return append(append([]byte{}, data...), le32(crc)...)
}

func compressedChunkBody(t testing.TB, data []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("compressing fixture chunk: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing fixture chunk compressor: %v", err)
	}
	return out.Bytes()
}

// tableSectionBody builds a table/table2 section body whose entries hold
// offsets relative to a base_offset of 0; the real base_offset is patched
// in afterwards once the preceding sectors section's data offset is
// known, which doesn't change the body's length.
func tableSectionBody(relativeOffsets []uint64, compressedFlags []bool) []byte {
	var buf bytes.Buffer
	header := make([]byte, internal.TableHeaderLength)
	copy(header[0:4], le32(uint32(len(relativeOffsets))))
	buf.Write(header)
	for i, off := range relativeOffsets {
		raw := uint32(off)
		if compressedFlags[i] {
			raw |= internal.TableEntryCompressedFlag
		}
		buf.Write(le32(raw))
	}
	return buf.Bytes()
}

func patchTableBaseOffset(body []byte, baseOffset uint64) {
	copy(body[8:16], le64(baseOffset))
}

func headerSectionBody(t testing.TB) []byte {
	t.Helper()
	headerText := "1\n" +
		"main\n" +
		"c\tn\ta\te\tt\tav\tov\tm\tu\tp\tr\n" +
		"CASE001\tEVID001\tTest evidence\tTester\tSome notes\t1.0\tWin10\t2024 1 1 0 0 0\t2024 1 1 0 0 0\t\tgood\n"
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write([]byte(headerText)); err != nil {
		t.Fatalf("compressing fixture header: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing fixture header compressor: %v", err)
	}
	return compressed.Bytes()
}

func volumeSectionBody(chunkCount, sectorsPerChunk, bytesPerSector uint32, sectorCount uint32) []byte {
	body := make([]byte, 94)
	copy(body[4:8], le32(chunkCount))
	copy(body[8:12], le32(sectorsPerChunk))
	copy(body[12:16], le32(bytesPerSector))
	copy(body[16:20], le32(sectorCount))
	return body
}

const (
	fixtureBytesPerSector  = 512
	fixtureSectorsPerChunk = 2
	fixtureChunkSize       = fixtureBytesPerSector * fixtureSectorsPerChunk // 1024
)

// buildFixture writes a synthetic single-segment E01 image with two
// 1024-byte chunks stored uncompressed (each followed by a CRC32
// trailer), a compact 94-byte volume body, a zlib-compressed header
// section, and declared hash/digest sections matching the plaintext
// media.
func buildFixture(t testing.TB, dir string) fixtureImage {
	t.Helper()
	return buildSingleSegmentFixture(t, dir, "fixture.E01", fixtureOpts{})
}

// buildCompressedFixture is identical to buildFixture except both chunks
// are zlib-compressed (§4.7/§4.8 compressed chunk path).
func buildCompressedFixture(t testing.TB, dir string) fixtureImage {
	t.Helper()
	return buildSingleSegmentFixture(t, dir, "compressed.E01", fixtureOpts{compressed: true})
}

// buildCorruptCRCFixture is identical to buildFixture except chunk 0's
// CRC32 trailer is wrong, exercising the checksum-mismatch path.
func buildCorruptCRCFixture(t testing.TB, dir string) fixtureImage {
	t.Helper()
	return buildSingleSegmentFixture(t, dir, "badcrc.E01", fixtureOpts{corruptCRC: true})
}

// buildTable2FallbackFixture makes the "table" section undecodable
// (entry_count overflows the section's declared size) while a sibling
// "table2" section carries the real entries, exercising the fallback
// path (§9 open question: table2 is a redundant mirror).
func buildTable2FallbackFixture(t testing.TB, dir string) fixtureImage {
	t.Helper()
	return buildSingleSegmentFixture(t, dir, "table2fallback.E01", fixtureOpts{badTable: true})
}

type fixtureOpts struct {
	compressed bool
	corruptCRC bool
	badTable   bool
}

func buildSingleSegmentFixture(t testing.TB, dir, filename string, opts fixtureOpts) fixtureImage {
	t.Helper()

	const sectorCount = 4 // exactly two chunks, no partial tail

	chunk0 := bytes.Repeat([]byte{0xAA}, fixtureChunkSize)
	chunk1 := bytes.Repeat([]byte{0x55}, fixtureChunkSize)
	media := append(append([]byte{}, chunk0...), chunk1...)

	var sectorsBody bytes.Buffer
	var relOffsets []uint64
	var compressedFlags []bool

	for _, chunk := range [][]byte{chunk0, chunk1} {
		relOffsets = append(relOffsets, uint64(sectorsBody.Len()))
		if opts.compressed {
			body := compressedChunkBody(t, chunk)
			sectorsBody.Write(body)
			compressedFlags = append(compressedFlags, true)
			continue
		}
		body := uncompressedChunkBody(chunk)
		sectorsBody.Write(body)
		compressedFlags = append(compressedFlags, false)
	}

	if opts.corruptCRC {
		raw := sectorsBody.Bytes()
		trailerStart := len(chunk0) // chunk0's CRC32 trailer immediately follows it
		raw[trailerStart] ^= 0xFF   // flip a byte so it no longer matches crc32.ChecksumIEEE(chunk0)
	}

	sum := md5.Sum(media)
	declaredMD5 := sum[:]
	sha := sha1.Sum(media)
	declaredSHA1 := sha[:]

	sections := []fixtureSection{
		{typeTag: "volume", body: volumeSectionBody(2, fixtureSectorsPerChunk, fixtureBytesPerSector, sectorCount)},
		{typeTag: "header", body: headerSectionBody(t)},
		{typeTag: "sectors", body: sectorsBody.Bytes()},
	}

	if opts.badTable {
		badBody := make([]byte, internal.TableHeaderLength)
		copy(badBody[0:4], le32(9999)) // declared entry count the section body can't possibly hold
		sections = append(sections, fixtureSection{typeTag: "table", body: badBody})
		sections = append(sections, fixtureSection{typeTag: "table2", body: tableSectionBody(relOffsets, compressedFlags)})
	} else {
		sections = append(sections, fixtureSection{typeTag: "table", body: tableSectionBody(relOffsets, compressedFlags)})
	}

	sections = append(sections,
		fixtureSection{typeTag: "hash", body: declaredMD5},
		fixtureSection{typeTag: "digest", body: append(append([]byte{}, declaredMD5...), declaredSHA1...)},
		fixtureSection{typeTag: "done"},
	)

	sectorsDataOffset := dataOffsetOf("sectors", sections)
	for i := range sections {
		if sections[i].typeTag == "table" || sections[i].typeTag == "table2" {
			if len(sections[i].body) >= internal.TableHeaderLength {
				patchTableBaseOffset(sections[i].body, sectorsDataOffset)
			}
		}
	}

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, serializeSegment(1, sections), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	return fixtureImage{
		Path:            path,
		MediaBytes:      media,
		DeclaredMD5:     hexString(declaredMD5),
		DeclaredSHA1:    hexString(declaredSHA1),
		BytesPerSector:  fixtureBytesPerSector,
		SectorsPerChunk: fixtureSectorsPerChunk,
		SectorCount:     sectorCount,
	}
}

// buildMultiSegmentFixture writes a two-segment image: segment 1 carries
// the volume/header/first chunk and terminates its own chain with a
// "next" section; segment 2 carries the second chunk plus the declared
// hash/digest and terminates with "done" (§4.6).
func buildMultiSegmentFixture(t testing.TB, dir string) fixtureImage {
	t.Helper()

	const sectorCount = 4

	chunk0 := bytes.Repeat([]byte{0xAA}, fixtureChunkSize)
	chunk1 := bytes.Repeat([]byte{0x55}, fixtureChunkSize)
	media := append(append([]byte{}, chunk0...), chunk1...)

	sum := md5.Sum(media)
	declaredMD5 := sum[:]
	sha := sha1.Sum(media)
	declaredSHA1 := sha[:]

	seg1Sections := []fixtureSection{
		{typeTag: "volume", body: volumeSectionBody(2, fixtureSectorsPerChunk, fixtureBytesPerSector, sectorCount)},
		{typeTag: "header", body: headerSectionBody(t)},
		{typeTag: "sectors", body: uncompressedChunkBody(chunk0)},
		{typeTag: "table", body: tableSectionBody([]uint64{0}, []bool{false})},
		{typeTag: "next"},
	}
	seg1SectorsOffset := dataOffsetOf("sectors", seg1Sections)
	for i := range seg1Sections {
		if seg1Sections[i].typeTag == "table" {
			patchTableBaseOffset(seg1Sections[i].body, seg1SectorsOffset)
		}
	}

	seg2Sections := []fixtureSection{
		{typeTag: "sectors", body: uncompressedChunkBody(chunk1)},
		{typeTag: "table", body: tableSectionBody([]uint64{0}, []bool{false})},
		{typeTag: "hash", body: declaredMD5},
		{typeTag: "digest", body: append(append([]byte{}, declaredMD5...), declaredSHA1...)},
		{typeTag: "done"},
	}
	seg2SectorsOffset := dataOffsetOf("sectors", seg2Sections)
	for i := range seg2Sections {
		if seg2Sections[i].typeTag == "table" {
			patchTableBaseOffset(seg2Sections[i].body, seg2SectorsOffset)
		}
	}

	path1 := filepath.Join(dir, "multiseg.E01")
	path2 := filepath.Join(dir, "multiseg.E02")
	if err := os.WriteFile(path1, serializeSegment(1, seg1Sections), 0o644); err != nil {
		t.Fatalf("writing fixture segment 1: %v", err)
	}
	if err := os.WriteFile(path2, serializeSegment(2, seg2Sections), 0o644); err != nil {
		t.Fatalf("writing fixture segment 2: %v", err)
	}

	return fixtureImage{
		Path:            path1,
		MediaBytes:      media,
		DeclaredMD5:     hexString(declaredMD5),
		DeclaredSHA1:    hexString(declaredSHA1),
		BytesPerSector:  fixtureBytesPerSector,
		SectorsPerChunk: fixtureSectorsPerChunk,
		SectorCount:     sectorCount,
	}
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}
