package tracer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"

	"roitracer/internal/engine"
)

// Compression selects the encoding of trace files on disk.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
)

// Extension returns the suffix appended to trace file names.
func (c Compression) Extension() string {
	if c == CompressionLZ4 {
		return ".lz4"
	}
	return ""
}

// tracePath renders pattern for tid inside dir.
func tracePath(dir, pattern string, compression Compression, tid engine.ThreadID) string {
	return filepath.Join(dir, fmt.Sprintf(pattern, tid)+compression.Extension())
}

// stream is the buffered byte sink behind one thread's trace file:
// bufio -> (lz4 frame) -> os.File.
type stream struct {
	file *os.File
	lz   *lz4.Writer
	buf  *bufio.Writer
}

func openStream(path string, compression Compression, bufSize int) (*stream, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s := &stream{file: f}
	if compression == CompressionLZ4 {
		s.lz = lz4.NewWriter(f)
		s.buf = bufio.NewWriterSize(s.lz, bufSize)
	} else {
		s.buf = bufio.NewWriterSize(f, bufSize)
	}
	return s, nil
}

func (s *stream) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

// flush pushes buffered bytes to the OS, and to stable storage when sync is set.
// An lz4 stream is flushed as a completed block, so the file stays decodable
// up to this point.
func (s *stream) flush(sync bool) error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if s.lz != nil {
		if err := s.lz.Flush(); err != nil {
			return err
		}
	}
	if sync {
		return s.file.Sync()
	}
	return nil
}

// close flushes everything, terminates the lz4 frame and closes the file.
// The file is closed even when flushing fails.
func (s *stream) close() error {
	var errs []error
	if err := s.buf.Flush(); err != nil {
		errs = append(errs, err)
	}
	if s.lz != nil {
		if err := s.lz.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
