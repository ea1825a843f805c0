package ewf

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Info opens path and returns its declared metadata without reading any
// chunk data beyond what section parsing already touched (§4.9). Parse
// failures on optional sections (header, hash, digest) are recorded as
// warnings rather than aborting — a damaged header shouldn't prevent
// reporting the volume geometry §8 requires Info to always produce when
// the segment set itself is intact.
func Info(path string) (*InfoReport, error) {
	h, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	report := &InfoReport{
		SegmentCount:   len(h.Segments),
		ChunkCount:     h.Volume.ChunkCount,
		SectorCount:    h.Volume.SectorCount,
		BytesPerSector: h.Volume.BytesPerSector,
		CaseInfo:       h.Case,
		DeclaredHashes: h.Hashes,
	}
	if h.Case == (CaseInfo{}) {
		report.Warnings = append(report.Warnings, "no case information recovered from header/header2 sections")
	}
	if len(h.Hashes) == 0 {
		report.Warnings = append(report.Warnings, "no declared hash/digest section found")
	}
	return report, nil
}

// VerifyOptions configures Verify (§4.9, §5).
type VerifyOptions struct {
	Algorithms []Algorithm
	Workers    int
	// Progress, if set, is called after each chunk completes with the
	// chunk's global index, letting a caller render a progress bar over a
	// potentially multi-hour verification of a large image.
	Progress func(chunkIndex, totalChunks uint64)
}

// Verify reads every chunk of the reconstructed media exactly once,
// computing the requested digests, and compares them against whatever
// hash/digest sections the image itself declares (§4.9). The comparison
// is skipped — not failed — for any algorithm the image didn't declare.
// openOpts configures the underlying Open call (pool/cache capacity);
// per §8 neither affects the computed digests.
func Verify(ctx context.Context, path string, opts VerifyOptions, openOpts ...Option) (*VerifyReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, errCancelled()
	}

	h, err := Open(path, openOpts...)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	algos := opts.Algorithms
	if len(algos) == 0 {
		algos = DefaultAlgorithms
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	computed, err := hashWholeMedia(ctx, h, algos, workers, opts.Progress)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{
		Computed: computed,
		Declared: h.Hashes,
		Matches:  make(map[string]bool),
	}
	for algo, declared := range h.Hashes {
		if got, ok := computed[algo]; ok {
			report.Matches[algo] = got == declared
		}
	}
	return report, nil
}

// hashWholeMedia computes every requested digest over the full
// reconstructed media. Chunks are decoded across `workers` goroutines but
// fed into the hashers in strictly ascending chunk order (§4.5, §8: "the
// computed digest must be bit-identical regardless of worker count"):
// workers send decoded chunks over a bounded channel to a single consumer
// goroutine, which holds out-of-order chunks in a map until the next index
// arrives. At most workers*2 chunks are dispatched but not yet hashed.
func hashWholeMedia(ctx context.Context, h *Handle, algos []Algorithm, workers int, progress func(uint64, uint64)) (map[string]string, error) {
	total := uint64(h.ChunkCount())
	if total == 0 {
		mh, err := NewMultiHasher(algos)
		if err != nil {
			return nil, err
		}
		return mh.Sum(), nil
	}
	if workers > int(total) {
		workers = int(total)
	}

	mh, err := NewMultiHasher(algos)
	if err != nil {
		return nil, err
	}

	type decoded struct {
		index uint64
		buf   []byte
	}

	g, gctx := errgroup.WithContext(ctx)
	workerGroup, wctx := errgroup.WithContext(gctx)
	jobs := make(chan uint64, workers*2)
	results := make(chan decoded, workers*2)
	// inFlight holds one token per chunk dispatched but not yet hashed.
	inFlight := make(chan struct{}, workers*2)

	g.Go(func() error {
		defer close(jobs)
		for i := uint64(0); i < total; i++ {
			select {
			case <-wctx.Done():
				return nil // a failed worker's error reaches g via workerGroup.Wait
			case inFlight <- struct{}{}:
			}
			select {
			case <-gctx.Done():
				return errCancelled()
			case jobs <- i:
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		workerGroup.Go(func() error {
			for idx := range jobs {
				buf, err := h.loadChunk(idx)
				if err != nil {
					return err
				}
				select {
				case <-gctx.Done():
					return errCancelled()
				case results <- decoded{index: idx, buf: buf}:
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		err := workerGroup.Wait()
		close(results)
		return err
	})

	g.Go(func() error {
		pending := make(map[uint64][]byte)
		var next uint64
		for next < total {
			if buf, ok := pending[next]; ok {
				mh.Write(buf)
				delete(pending, next)
				<-inFlight
				if progress != nil {
					progress(next, total)
				}
				next++
				continue
			}
			select {
			case <-gctx.Done():
				return errCancelled()
			case r, ok := <-results:
				if !ok {
					return fmt.Errorf("chunk stream ended before all %d chunks were consumed", total)
				}
				pending[r.index] = r.buf
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mh.Sum(), nil
}

// ExtractOptions configures Extract (§4.9, §5).
type ExtractOptions struct {
	// Offset and Length bound the extraction to a sub-range of the
	// reconstructed media; Length 0 means "to the end."
	Offset int64
	Length int64
}

// Extract streams the reconstructed media to dest in ascending chunk
// order (§4.9), writing exactly the requested byte range. Unlike Verify,
// extraction is inherently sequential — the destination Writer imposes
// its own ordering. openOpts configures the underlying Open call
// (pool/cache capacity); per §8 neither affects the extracted bytes.
func Extract(ctx context.Context, path string, dest io.Writer, opts ExtractOptions, openOpts ...Option) (*ExtractReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, errCancelled()
	}

	h, err := Open(path, openOpts...)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	mediaSize := int64(h.Volume.MediaSizeBytes())
	start := opts.Offset
	if start < 0 || start > mediaSize {
		return nil, errEndOfMedia()
	}
	length := opts.Length
	if length <= 0 || start+length > mediaSize {
		length = mediaSize - start
	}

	const streamBuf = 1 << 20
	buf := make([]byte, streamBuf)
	var written int64
	for written < length {
		if err := ctx.Err(); err != nil {
			return nil, errCancelled()
		}
		want := int64(len(buf))
		if remaining := length - written; remaining < want {
			want = remaining
		}
		n, err := h.ReadAt(buf[:want], start+written)
		if n > 0 {
			if _, werr := dest.Write(buf[:n]); werr != nil {
				return nil, fmt.Errorf("writing extracted bytes: %w", werr)
			}
			written += int64(n)
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		if n == 0 {
			break
		}
	}

	return &ExtractReport{BytesWritten: written}, nil
}
