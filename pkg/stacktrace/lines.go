package stacktrace

import (
	"bytes"
	"debug/elf"
	"io"
	"os"
	"slices"

	"github.com/grafana/pyroscope/lidia"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

var decompressors = []struct {
	name  string
	magic []byte
	open  func(io.Reader) (io.ReadCloser, error)
}{
	{"gzip", []byte{0x1f, 0x8b}, func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	}},
	{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd}, func(r io.Reader) (io.ReadCloser, error) {
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}},
}

// openDebugFile opens the ELF file at path and returns it with its
// uncompressed size. Plain files are read in place, gzip and zstd files are
// decompressed into memory.
func openDebugFile(path string) (*elf.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	magic := make([]byte, 4)
	n, err := io.ReadFull(f, magic)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, errors.Wrap(err, "read magic")
	}
	magic = magic[:n]
	for _, d := range decompressors {
		if !bytes.HasPrefix(magic, d.magic) {
			continue
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, 0, err
		}
		r, err := d.open(f)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "open %s stream", d.name)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, 0, errors.Wrapf(err, "decompress %s", d.name)
		}
		ef, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, 0, errors.Wrap(err, "parse ELF file")
		}
		return ef, int64(len(data)), nil
	}

	st, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	// elf.Open keeps its own handle, closed with the returned file
	ef, err := elf.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "parse ELF file")
	}
	return ef, st.Size(), nil
}

// buildLineTable converts the ELF file at path into an in-memory lidia
// table.
func buildLineTable(path string) (*lidia.Table, error) {
	ef, size, err := openDebugFile(path)
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	out := &tableBuffer{buf: make([]byte, 0, size/4)}
	if err := lidia.CreateLidiaFromELF(ef, out, lidia.WithCRC(), lidia.WithFiles(), lidia.WithLines()); err != nil {
		return nil, errors.Wrap(err, "create lidia table")
	}
	table, err := lidia.OpenReader(out.reader(), lidia.WithCRC())
	if err != nil {
		return nil, errors.Wrap(err, "open lidia table")
	}
	return table, nil
}

// tableBuffer receives a lidia table. The writer seeks back to patch the
// header, and seeking past the end leaves a zero-filled gap.
type tableBuffer struct {
	buf []byte
	off int64
}

func (b *tableBuffer) Write(p []byte) (int, error) {
	if end := int(b.off) + len(p); end > len(b.buf) {
		old := len(b.buf)
		b.buf = slices.Grow(b.buf, end-old)[:end]
		clear(b.buf[old:end])
	}
	n := copy(b.buf[b.off:], p)
	b.off += int64(n)
	return n, nil
}

func (b *tableBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += b.off
	case io.SeekEnd:
		offset += int64(len(b.buf))
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, errors.Errorf("seek to negative offset %d", offset)
	}
	b.off = offset
	return offset, nil
}

type tableReader struct{ *bytes.Reader }

func (tableReader) Close() error { return nil }

func (b *tableBuffer) reader() lidia.ReaderAtCloser {
	return tableReader{bytes.NewReader(b.buf)}
}
