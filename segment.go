package ewf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Segment is one ordered file of a multi-segment EWF image (§3).
type Segment struct {
	Index int    // 1-based, contiguous
	Path  string
	Size  int64
}

// segmentFamilies are the fixed extension prefixes recognized by §4.2,
// tried longest-first so "Ex"/"Lx" aren't shadowed by "E"/"L".
var segmentFamilies = []string{"Ex", "Lx", "E", "L"}

// decodeExtensionSuffix turns the two trailing characters of a segment
// extension into its 1-based index: "01".."99" map to 1..99, "AA".."ZZ"
// map to 100..775 (base-26 over the two letters).
func decodeExtensionSuffix(suffix string) (int, bool) {
	if len(suffix) != 2 {
		return 0, false
	}
	if n, err := strconv.Atoi(suffix); err == nil && n >= 1 && n <= 99 {
		return n, true
	}
	a, b := suffix[0], suffix[1]
	if a >= 'A' && a <= 'Z' && b >= 'A' && b <= 'Z' {
		return 100 + int(a-'A')*26 + int(b-'A'), true
	}
	if a >= 'a' && a <= 'z' && b >= 'a' && b <= 'z' {
		return 100 + int(a-'a')*26 + int(b-'a'), true
	}
	return 0, false
}

// encodeExtensionSuffix is the inverse of decodeExtensionSuffix.
func encodeExtensionSuffix(index int) string {
	if index >= 1 && index <= 99 {
		return fmt.Sprintf("%02d", index)
	}
	n := index - 100
	return string([]byte{byte('A' + n/26), byte('A' + n%26)})
}

// parseSegmentExtension splits a file extension such as ".E01" or
// ".ExAB" into its family prefix and 1-based index.
func parseSegmentExtension(ext string) (family string, index int, ok bool) {
	ext = strings.TrimPrefix(ext, ".")
	for _, fam := range segmentFamilies {
		if len(ext) != len(fam)+2 {
			continue
		}
		if !strings.EqualFold(ext[:len(fam)], fam) {
			continue
		}
		if idx, ok := decodeExtensionSuffix(ext[len(fam):]); ok {
			return fam, idx, true
		}
	}
	return "", 0, false
}

// DiscoverSegments enumerates every segment sharing the basename of
// anyMember in the same directory (§4.2). The input may name any member
// of the set. The returned slice is strictly ascending by Index and
// contiguous starting at 1; a gap fails with MissingSegment.
func DiscoverSegments(anyMember string) ([]Segment, error) {
	dir := filepath.Dir(anyMember)
	base := filepath.Base(anyMember)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	family, _, ok := parseSegmentExtension(ext)
	if !ok {
		return nil, errBadSignature(anyMember)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errPathNotFound(anyMember, err)
	}

	found := make(map[int]string)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if len(name) <= len(stem)+1 || !strings.EqualFold(name[:len(stem)], stem) || name[len(stem)] != '.' {
			continue
		}
		entFamily, idx, ok := parseSegmentExtension(name[len(stem):])
		if !ok || !strings.EqualFold(entFamily, family) {
			continue
		}
		found[idx] = filepath.Join(dir, name)
	}
	if len(found) == 0 {
		return nil, errPathNotFound(anyMember, nil)
	}

	maxIndex := 0
	for idx := range found {
		if idx > maxIndex {
			maxIndex = idx
		}
	}

	segments := make([]Segment, 0, len(found))
	for idx := 1; idx <= maxIndex; idx++ {
		path, ok := found[idx]
		if !ok {
			return nil, errMissingSegment(idx)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, errSegmentUnreadable(path, err)
		}
		if info.Size() == 0 {
			return nil, errSegmentUnreadable(path, nil)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, errSegmentUnreadable(path, err)
		}
		f.Close()
		segments = append(segments, Segment{Index: idx, Path: path, Size: info.Size()})
	}
	return segments, nil
}
