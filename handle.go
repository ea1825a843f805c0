package ewf

import (
	"bytes"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/dfirlab/ewfcore/internal"
)

// Option configures Open (§5).
type Option func(*openOptions)

type openOptions struct {
	poolCapacity  int
	cacheCapacity int
}

// WithPoolCapacity bounds the number of simultaneously open segment file
// handles (§4.3).
func WithPoolCapacity(n int) Option {
	return func(o *openOptions) { o.poolCapacity = n }
}

// WithCacheCapacity bounds the number of decompressed chunks retained in
// memory (§4.4). 0 disables the cache.
func WithCacheCapacity(n int) Option {
	return func(o *openOptions) { o.cacheCapacity = n }
}

// Handle is an open EWF image ready for positioned reads (§3, §4.8). It
// owns a bounded file-descriptor pool and chunk cache shared across every
// read, and is safe for concurrent use by multiple goroutines.
type Handle struct {
	Volume   VolumeInfo
	Case     CaseInfo
	Segments []Segment
	Hashes   map[string]string
	Kind     segmentKind

	pool  *FilePool
	cache *ChunkCache

	mu    sync.Mutex
	table []chunkLocation
}

// Open discovers every segment of the image named by path, parses their
// section chains, resolves the global chunk table, and returns a Handle
// ready for ReadAt (§4.9 Info/Verify/Extract all start here).
func Open(path string, opts ...Option) (*Handle, error) {
	o := openOptions{poolCapacity: DefaultPoolCapacity, cacheCapacity: DefaultCacheCapacity}
	for _, opt := range opts {
		opt(&o)
	}

	segments, err := DiscoverSegments(path)
	if err != nil {
		return nil, err
	}

	files := make([]*os.File, len(segments))
	segFiles := make([]*segmentFile, len(segments))
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}()

	var volume VolumeInfo
	var haveVolume bool
	var caseInfo CaseInfo
	hashes := make(map[string]string)
	var kind segmentKind

	for i, seg := range segments {
		f, err := os.Open(seg.Path)
		if err != nil {
			return nil, errSegmentUnreadable(seg.Path, err)
		}
		files[i] = f

		sf, err := parseSegmentFile(f, seg)
		if err != nil {
			return nil, err
		}
		segFiles[i] = sf
		kind = sf.Kind

		for _, rec := range sf.Sections {
			switch rec.Type {
			case "volume", "disk":
				if !haveVolume {
					volume, err = parseVolumeSection(f, seg, rec)
					if err != nil {
						return nil, err
					}
					haveVolume = true
				}
			case "header", "header2":
				info, err := parseHeaderSection(f, seg, rec)
				if err == nil && info != (CaseInfo{}) {
					caseInfo = info
				}
			case "hash":
				if m, err := parseHashSection(f, seg, rec); err == nil {
					for k, v := range m {
						hashes[k] = v
					}
				}
			case "digest":
				if m, err := parseDigestSection(f, seg, rec); err == nil {
					for k, v := range m {
						hashes[k] = v
					}
				}
			}
		}
	}

	if !haveVolume {
		return nil, errSectionCorrupt(segments[0].Path, "volume", 0)
	}

	table, err := buildChunkTable(files, segFiles, volume)
	if err != nil {
		return nil, err
	}

	pool, err := NewFilePool(segments, o.poolCapacity)
	if err != nil {
		return nil, err
	}

	return &Handle{
		Volume:   volume,
		Case:     caseInfo,
		Segments: segments,
		Hashes:   hashes,
		Kind:     kind,
		pool:     pool,
		cache:    NewChunkCache(o.cacheCapacity),
		table:    table,
	}, nil
}

// Close releases every pooled segment file handle.
func (h *Handle) Close() error {
	return h.pool.Close()
}

// ChunkCount returns the number of chunks in the global chunk table.
func (h *Handle) ChunkCount() int { return len(h.table) }

// ReadAt implements io.ReaderAt over the reconstructed media (§4.8): it
// translates a logical byte offset into a chunk index and intra-chunk
// offset, then walks as many chunks as needed to satisfy len(p).
func (h *Handle) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errEndOfMedia()
	}
	mediaSize := int64(h.Volume.MediaSizeBytes())
	if offset >= mediaSize {
		return 0, errEndOfMedia()
	}

	chunkSize := int64(h.Volume.ChunkSizeBytes())
	if chunkSize == 0 {
		return 0, errSectionCorrupt("", "volume", 0)
	}

	total := 0
	for total < len(p) && offset+int64(total) < mediaSize {
		pos := offset + int64(total)
		chunkIdx := uint64(pos / chunkSize)
		intra := int(pos % chunkSize)

		buf, err := h.loadChunk(chunkIdx)
		if err != nil {
			return total, err
		}
		if intra >= len(buf) {
			break // last chunk shorter than chunkSize and fully consumed
		}

		n := copy(p[total:], buf[intra:])
		total += n
	}

	if total == 0 {
		return 0, errEndOfMedia()
	}
	if total < len(p) {
		return total, io.ErrUnexpectedEOF
	}
	return total, nil
}

// loadChunk returns the decompressed, checksum-verified bytes of chunk
// index, from cache if resident (§4.4, §4.8).
func (h *Handle) loadChunk(index uint64) ([]byte, error) {
	if buf, ok := h.cache.Get(index); ok {
		return buf, nil
	}

	h.mu.Lock()
	if index >= uint64(len(h.table)) {
		h.mu.Unlock()
		return nil, errEndOfMedia()
	}
	loc := h.table[index]
	h.mu.Unlock()
	logger.WithField("chunk", index).WithField("segment", loc.SegmentIndex).WithField("offset", loc.FileOffset).Trace("chunk load")

	guard, err := h.pool.Get(loc.SegmentIndex)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	raw := make([]byte, loc.OnDiskSize)
	if _, err := guard.ReadAt(raw, int64(loc.FileOffset)); err != nil {
		return nil, errChunkCorrupt(index, "failed to read chunk from segment: "+err.Error())
	}

	wantLen := expectedChunkLen(index, h.Volume)
	var plain []byte
	if loc.Compressed {
		plain, err = decompressChunk(raw)
		if err != nil {
			return nil, errDecompressionFailed(index, err)
		}
	} else {
		if len(raw) < internal.ChunkTrailerCRCLen {
			return nil, errChunkCorrupt(index, "chunk too short for CRC trailer")
		}
		body := raw[:len(raw)-internal.ChunkTrailerCRCLen]
		trailer := raw[len(raw)-internal.ChunkTrailerCRCLen:]
		if leU32(trailer) != crc32.ChecksumIEEE(body) {
			return nil, errChecksumMismatch(guard.Segment().Path, "chunk", int64(loc.FileOffset))
		}
		plain = body
	}

	if uint64(len(plain)) != wantLen {
		return nil, errChunkCorrupt(index, "decompressed chunk length does not match declared geometry")
	}

	h.cache.Insert(index, plain)
	return plain, nil
}

// expectedChunkLen is chunkSize for every chunk but the last, which may be
// shorter when the media size isn't a multiple of the chunk size (§4.8).
func expectedChunkLen(index uint64, v VolumeInfo) uint64 {
	chunkSize := v.ChunkSizeBytes()
	if index+1 < v.ChunkCount {
		return chunkSize
	}
	rem := v.MediaSizeBytes() % chunkSize
	if rem == 0 {
		return chunkSize
	}
	return rem
}

func decompressChunk(raw []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
