package eventlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Archive codecs, matching the config values
const (
	CodecNone   = "none"
	CodecZstd   = "zstd"
	CodecSnappy = "snappy"
)

var archiveExt = map[string]string{
	CodecZstd:   ".zst",
	CodecSnappy: ".sz",
}

// ArchivePath returns where Archive stores the previous contents of path
func ArchivePath(path, codec string) string {
	return path + ".prev" + archiveExt[codec]
}

// Archive compresses the file at path into ArchivePath(path, codec). It
// returns an empty name when there is nothing to archive.
func Archive(path, codec string) (string, error) {
	if _, ok := archiveExt[codec]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCodec, codec)
	}

	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to open log for archiving: %w", err)
	}
	defer src.Close()

	if info, err := src.Stat(); err == nil && info.Size() == 0 {
		return "", nil
	}

	dest := ArchivePath(path, codec)
	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	w, err := newCompressWriter(out, codec)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return "", err
	}

	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to compress log: %w", err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("failed to rename archive: %w", err)
	}
	return dest, nil
}

func newCompressWriter(w io.Writer, codec string) (io.WriteCloser, error) {
	switch codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	case CodecSnappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, codec)
	}
}

// OpenArchive opens a log for reading, decompressing it when the file name
// ends in .zst or .sz
func OpenArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	switch {
	case strings.HasSuffix(path, archiveExt[CodecZstd]):
		dec, err := zstd.NewReader(bufio.NewReader(f))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return &zstdReadCloser{dec: dec, file: f}, nil
	case strings.HasSuffix(path, archiveExt[CodecSnappy]):
		return &snappyReadCloser{r: snappy.NewReader(f), file: f}, nil
	default:
		return f, nil
	}
}

type zstdReadCloser struct {
	dec  *zstd.Decoder
	file *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.file.Close()
}

type snappyReadCloser struct {
	r    *snappy.Reader
	file *os.File
}

func (s *snappyReadCloser) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *snappyReadCloser) Close() error {
	return s.file.Close()
}
