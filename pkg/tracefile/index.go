package tracefile

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

const (
	// cancellation and progress are checked every indexCheckInterval records
	indexCheckInterval = 4096

	spoolChunk = 1 << 20
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// source is the file the index pass and the pages read from.
type source struct {
	f    *os.File
	size int64
	// temp is set when f is a decompressed copy that must be removed.
	temp bool
}

func (s *source) close() error {
	if s == nil || s.f == nil {
		return nil
	}
	err := s.f.Close()
	if s.temp {
		os.Remove(s.f.Name())
	}
	return err
}

func isCompressed(f *os.File) (bool, error) {
	var magic [4]byte
	n, err := f.ReadAt(magic[:], 0)
	if err != nil && err != io.EOF {
		return false, err
	}
	return n == len(magic) && string(magic[:]) == string(zstdMagic), nil
}

// ctxReader fails reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// spool decompresses f into a temporary file.
func spool(ctx context.Context, f *os.File) (*source, error) {
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	tmp, err := os.CreateTemp("", "dlvtrace-*.trace")
	if err != nil {
		return nil, err
	}
	buf := make([]byte, spoolChunk)
	size, err := io.CopyBuffer(tmp, &ctxReader{ctx, dec}, buf)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("decompressing %s: %w", f.Name(), err)
	}
	return &source{f: tmp, size: size, temp: true}, nil
}

// index runs the index pass over the file opened by Open. Spans are
// published as soon as the next one starts.
func (r *Reader) index(ctx context.Context, f *os.File) error {
	src := &source{f: f}
	compressed, err := isCompressed(f)
	if err != nil {
		return err
	}
	if compressed {
		r.log.Debugf("decompressing %s", f.Name())
		src, err = spool(ctx, f)
		if err != nil {
			return err
		}
		f.Close()
	} else {
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		src.size = fi.Size()
	}
	if !r.setSource(src) {
		src.close()
		return context.Canceled
	}

	d := newRecordDecoder(io.NewSectionReader(src.f, 0, src.size), r.arch, 0)
	var (
		raw  rawRecord
		cur  span
		have bool
		idx  uint64
	)
	for {
		if idx%indexCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if src.size > 0 {
				r.progress.Store(int32(d.off * 100 / src.size))
			}
		}
		off := d.off
		base := d.regs
		tid := d.threadID
		err := d.next(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			if have {
				r.publish(&cur)
			}
			return fmt.Errorf("record %d at offset %#x: %w", idx, off, err)
		}
		if !have || d.fullSnapshot(&raw) || cur.count >= r.opts.MaxPageRecords {
			if have {
				r.publish(&cur)
			}
			cur = span{start: idx, offset: off, regs: base, threadID: tid}
			have = true
		}
		cur.count++
		idx++
		indexedRecords.Inc()
	}
	if have {
		r.publish(&cur)
	}
	r.progress.Store(100)
	r.log.Debugf("indexed %d records in %d pages", idx, r.pageCount())
	return nil
}
