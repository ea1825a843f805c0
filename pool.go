package ewf

import (
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPoolCapacity is the default maximum number of simultaneously
// open segment file handles (§4.3).
const DefaultPoolCapacity = 32

// pooledFile is one entry in the FilePool: an open segment file plus the
// bookkeeping needed to keep it alive past LRU eviction while a reader
// still holds a guard on it.
type pooledFile struct {
	segment Segment
	file    *os.File

	ioMu sync.Mutex // held only for the duration of a single positioned read

	stateMu sync.Mutex
	refs    int
	evicted bool
	closed  bool
}

func (pf *pooledFile) acquire() {
	pf.stateMu.Lock()
	pf.refs++
	pf.stateMu.Unlock()
}

func (pf *pooledFile) release() {
	pf.stateMu.Lock()
	pf.refs--
	shouldClose := pf.refs == 0 && pf.evicted && !pf.closed
	if shouldClose {
		pf.closed = true
	}
	pf.stateMu.Unlock()
	if shouldClose {
		pf.file.Close()
	}
}

// markEvicted is the LRU's eviction callback. It never closes a file a
// guard still holds — the guard's own release() does that when the last
// reference drops (§4.3: "pool hands out a guard that keeps the file
// alive even after eviction from the pool map").
func (pf *pooledFile) markEvicted() {
	pf.stateMu.Lock()
	pf.evicted = true
	shouldClose := pf.refs == 0 && !pf.closed
	if shouldClose {
		pf.closed = true
	}
	pf.stateMu.Unlock()
	if shouldClose {
		pf.file.Close()
	}
}

func (pf *pooledFile) readAt(buf []byte, offset int64) (int, error) {
	pf.ioMu.Lock()
	defer pf.ioMu.Unlock()
	if _, err := pf.file.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(pf.file, buf)
}

// FileGuard is a borrowed reference to a pooled, open segment file. The
// file stays open for as long as at least one guard is outstanding, even
// if the pool itself has evicted the entry. Callers must call Release
// exactly once.
type FileGuard struct {
	pf *pooledFile
}

func (g *FileGuard) ReadAt(buf []byte, offset int64) (int, error) {
	return g.pf.readAt(buf, offset)
}

func (g *FileGuard) Segment() Segment { return g.pf.segment }

func (g *FileGuard) Release() { g.pf.release() }

// FilePool is a bounded LRU of open segment file handles shared across a
// Handle's reads (§4.3/§5). Capacity should stay well under the process
// file-descriptor soft limit.
type FilePool struct {
	mu       sync.Mutex
	segments map[int]Segment
	lru      *lru.Cache[int, *pooledFile]
}

// NewFilePool builds a pool over the given segments with the given
// capacity. A non-positive capacity is clamped to 1 — a pool with zero
// open files could never make progress.
func NewFilePool(segments []Segment, capacity int) (*FilePool, error) {
	if capacity < 1 {
		capacity = 1
	}
	p := &FilePool{segments: make(map[int]Segment, len(segments))}
	for _, s := range segments {
		p.segments[s.Index] = s
	}
	c, err := lru.NewWithEvict(capacity, func(_ int, pf *pooledFile) {
		pf.markEvicted()
	})
	if err != nil {
		return nil, err
	}
	p.lru = c
	return p, nil
}

// Get returns a guard over the open file for the given segment index,
// opening it if it isn't already resident and evicting the
// least-recently-used entry if the pool is at capacity.
func (p *FilePool) Get(index int) (*FileGuard, error) {
	p.mu.Lock()
	if pf, ok := p.lru.Get(index); ok {
		pf.acquire()
		p.mu.Unlock()
		return &FileGuard{pf: pf}, nil
	}
	seg, ok := p.segments[index]
	if !ok {
		p.mu.Unlock()
		return nil, errResourceExhausted("no such segment index in pool")
	}
	f, err := os.Open(seg.Path)
	if err != nil {
		p.mu.Unlock()
		return nil, errSegmentUnreadable(seg.Path, err)
	}
	pf := &pooledFile{segment: seg, file: f}
	pf.acquire()
	p.lru.Add(index, pf)
	p.mu.Unlock()
	return &FileGuard{pf: pf}, nil
}

// Close releases every handle currently resident in the pool. Guards
// still outstanding keep their underlying file open until released.
func (p *FilePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range p.lru.Keys() {
		if pf, ok := p.lru.Peek(key); ok {
			pf.markEvicted()
		}
	}
	p.lru.Purge()
	return nil
}
