package ewf

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/dfirlab/ewfcore/internal"
)

// sectionRecord is one entry of a segment's section chain (§3, §6): the
// 76-byte v1 descriptor plus the file offset it was read from.
type sectionRecord struct {
	Type        string
	FileOffset  uint64
	DataOffset  uint64 // FileOffset + descriptor length; where the body starts
	SectionSize uint64
	NextOffset  uint64
}

// segmentFile is a fully parsed segment: its signature-derived kind and
// its section chain.
type segmentFile struct {
	Segment  Segment
	Kind     segmentKind
	Sections []sectionRecord
}

func detectSegmentKind(sig [internal.SignatureLength]byte) segmentKind {
	switch {
	case bytes.Equal(sig[:8], internal.SignatureE01[:8]):
		return kindE01
	case bytes.Equal(sig[:8], internal.SignatureL01[:8]):
		return kindL01
	case bytes.Equal(sig[:8], internal.SignatureEx01[:8]):
		return kindEx01
	case bytes.Equal(sig[:8], internal.SignatureLx01[:8]):
		return kindLx01
	default:
		return kindUnknown
	}
}

// parseSegmentFile reads the segment header and the full section chain
// for one segment (§4.6).
func parseSegmentFile(f *os.File, seg Segment) (*segmentFile, error) {
	var sig [internal.SignatureLength]byte
	if err := readFull(f, seg.Path, 0, sig[:]); err != nil {
		return nil, err
	}
	kind := detectSegmentKind(sig)
	if kind == kindUnknown {
		return nil, errBadSignature(seg.Path)
	}
	if kind.isV2() {
		return nil, errUnsupportedVersion(seg.Path, "EWF2 (Ex01/Lx01) section descriptors are not yet supported")
	}

	// fields(1) + segment_number(2), immediately after the signature.
	onDiskNumber, err := readU16LE(f, seg.Path, internal.SignatureLength+1)
	if err != nil {
		return nil, err
	}
	if int(onDiskNumber) != seg.Index {
		return nil, errSectionCorrupt(seg.Path, "segment-header", internal.SignatureLength+1)
	}

	sections, err := walkSectionChain(f, seg)
	if err != nil {
		return nil, err
	}
	return &segmentFile{Segment: seg, Kind: kind, Sections: sections}, nil
}

// walkSectionChain follows the singly-linked section descriptor chain
// starting at offset 16 (§4.6), stopping when a section points back at
// itself or a "done"/"next" section is reached. "next" terminates a
// non-final segment's own chain — the sibling segment's chain resumes
// independently at its own offset 16, not through NextOffset.
func walkSectionChain(f *os.File, seg Segment) ([]sectionRecord, error) {
	var sections []sectionRecord
	visited := make(map[uint64]bool)
	offset := uint64(internal.SegmentHeaderLength)

	for {
		if visited[offset] {
			break
		}
		if offset >= uint64(seg.Size) {
			return nil, errSectionCorrupt(seg.Path, "chain", int64(offset))
		}
		visited[offset] = true

		rec, err := readSectionDescriptor(f, seg, offset)
		if err != nil {
			return nil, err
		}
		sections = append(sections, rec)
		logger.WithField("segment", seg.Index).WithField("type", rec.Type).WithField("offset", rec.FileOffset).Trace("section")

		if rec.Type == "done" || rec.Type == "next" || rec.NextOffset == offset {
			break
		}
		offset = rec.NextOffset
	}
	return sections, nil
}

func readSectionDescriptor(f *os.File, seg Segment, offset uint64) (sectionRecord, error) {
	var buf [internal.SectionDescriptorLen]byte
	if err := readFull(f, seg.Path, int64(offset), buf[:]); err != nil {
		return sectionRecord{}, err
	}
	typeTag := string(bytes.TrimRight(buf[0:16], "\x00"))
	nextOffset, sectionSize := leU64(buf[16:24]), leU64(buf[24:32])

	if !internal.KnownSectionTypes[typeTag] {
		return sectionRecord{}, errSectionCorrupt(seg.Path, typeTag, int64(offset))
	}
	if sectionSize == 0 || offset+sectionSize > uint64(seg.Size) {
		return sectionRecord{}, errSectionCorrupt(seg.Path, typeTag, int64(offset))
	}

	return sectionRecord{
		Type:        typeTag,
		FileOffset:  offset,
		DataOffset:  offset + internal.SectionDescriptorLen,
		SectionSize: sectionSize,
		NextOffset:  nextOffset,
	}, nil
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leU32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

// Layout lengths for the two volume-body shapes on disk (§6). The
// compact form is the original EWF1 "volume" specification record; the
// full form is the SMART/"disk" layout with media flags, CHS geometry,
// and a GUID.
const (
	volumeBodyCompactLen = 94
	volumeBodyFullLen    = 1048
)

// parseVolumeSection reads the volume/disk section body (§6). Both
// historical shapes are accepted: the 94-byte compact EWF1 layout only
// carries geometry, while the 1048-byte SMART layout additionally carries
// media type/flags, compression level, error granularity and a GUID.
func parseVolumeSection(f *os.File, seg Segment, rec sectionRecord) (VolumeInfo, error) {
	size := rec.SectionSize - internal.SectionDescriptorLen
	if size < volumeBodyCompactLen {
		return VolumeInfo{}, errSectionCorrupt(seg.Path, rec.Type, int64(rec.DataOffset))
	}
	body := make([]byte, size)
	if err := readFull(f, seg.Path, int64(rec.DataOffset), body); err != nil {
		return VolumeInfo{}, err
	}

	var v VolumeInfo
	if size >= volumeBodyFullLen {
		v = VolumeInfo{
			MediaType:        body[0],
			ChunkCount:       uint64(leU32(body[4:8])),
			SectorsPerChunk:  leU32(body[8:12]),
			BytesPerSector:   leU32(body[12:16]),
			SectorCount:      leU64(body[16:24]),
			MediaFlags:       body[36],
			CompressionLevel: body[52],
			ErrorGranularity: leU32(body[56:60]),
		}
		copy(v.GUID[:], body[64:80])
	} else {
		v = VolumeInfo{
			ChunkCount:      uint64(leU32(body[4:8])),
			SectorsPerChunk: leU32(body[8:12]),
			BytesPerSector:  leU32(body[12:16]),
			SectorCount:     uint64(leU32(body[16:20])),
		}
	}

	if v.BytesPerSector == 0 || v.SectorsPerChunk == 0 {
		return VolumeInfo{}, errSectionCorrupt(seg.Path, rec.Type, int64(rec.DataOffset))
	}
	return v, nil
}

// parseHeaderSection decompresses a header/header2 section and parses its
// tab-separated case-info records (§4.6, §6).
func parseHeaderSection(f *os.File, seg Segment, rec sectionRecord) (CaseInfo, error) {
	size := rec.SectionSize - internal.SectionDescriptorLen
	compressed := make([]byte, size)
	if err := readFull(f, seg.Path, int64(rec.DataOffset), compressed); err != nil {
		return CaseInfo{}, err
	}

	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return CaseInfo{}, errDecompressionFailedSection(seg.Path, rec, err)
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return CaseInfo{}, errDecompressionFailedSection(seg.Path, rec, err)
	}

	text := decodeHeaderText(out.Bytes())
	return parseHeaderText(text), nil
}

func errDecompressionFailedSection(path string, rec sectionRecord, err error) *Error {
	return &Error{Kind: KindDecompressionFailed, Path: path, Offset: int64(rec.DataOffset), Message: fmt.Sprintf("%s section", rec.Type), Err: err}
}

// decodeHeaderText converts a header payload to UTF-8, handling the
// UTF-16LE BOM header2 sections carry; header sections (no BOM) are
// already single-byte text.
func decodeHeaderText(raw []byte) string {
	if len(raw) >= 2 && raw[0] == 0xff && raw[1] == 0xfe {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		if utf8, _, err := transform.Bytes(dec, raw); err == nil {
			return string(utf8)
		}
	}
	if len(raw) >= 2 && raw[0] == 0xfe && raw[1] == 0xff {
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		if utf8, _, err := transform.Bytes(dec, raw); err == nil {
			return string(utf8)
		}
	}
	return string(raw)
}

// parseHeaderText finds the first pair of lines that look like a
// tab-separated key line followed by a value line (the EWF header body
// is "version\ncategory\nkeys\nvalues\n...": everything else is
// boilerplate we don't need).
func parseHeaderText(text string) CaseInfo {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var info CaseInfo
	for i := 0; i+1 < len(lines); i++ {
		keys := strings.Split(lines[i], "\t")
		if !looksLikeHeaderKeys(keys) {
			continue
		}
		values := strings.Split(lines[i+1], "\t")
		applyHeaderFields(&info, keys, values)
		break
	}
	return info
}

var headerKeySet = map[string]bool{
	"c": true, "n": true, "a": true, "e": true, "t": true,
	"av": true, "ov": true, "ov2": true, "m": true, "u": true, "p": true, "r": true,
}

func looksLikeHeaderKeys(keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	matches := 0
	for _, k := range keys {
		if headerKeySet[strings.TrimSpace(k)] {
			matches++
		}
	}
	return matches > 0
}

func applyHeaderFields(info *CaseInfo, keys, values []string) {
	for i, key := range keys {
		if i >= len(values) {
			break
		}
		v := strings.TrimSpace(values[i])
		switch strings.TrimSpace(key) {
		case "c":
			info.CaseNumber = v
		case "n":
			info.EvidenceNumber = v
		case "a":
			info.Description = v
		case "e":
			info.Examiner = v
		case "t":
			info.Notes = v
		case "m":
			info.AcquisitionDate = v
		case "u":
			info.SystemDate = v
		case "p":
			info.PasswordHash = v
		case "r":
			info.CompressionChar = v
		case "av":
			info.Version = v
		case "ov", "ov2":
			info.Platform = v
		}
	}
}

// parseHashSection reads the hash section's MD5 digest (§6).
func parseHashSection(f *os.File, seg Segment, rec sectionRecord) (map[string]string, error) {
	body := make([]byte, 16)
	if err := readFull(f, seg.Path, int64(rec.DataOffset), body); err != nil {
		return nil, err
	}
	return map[string]string{"md5": fmt.Sprintf("%x", body)}, nil
}

// parseDigestSection reads the digest section's MD5+SHA-1 digests (§6).
func parseDigestSection(f *os.File, seg Segment, rec sectionRecord) (map[string]string, error) {
	body := make([]byte, 36)
	if err := readFull(f, seg.Path, int64(rec.DataOffset), body); err != nil {
		return nil, err
	}
	return map[string]string{
		"md5":  fmt.Sprintf("%x", body[0:16]),
		"sha1": fmt.Sprintf("%x", body[16:36]),
	}, nil
}
