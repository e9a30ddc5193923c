package cdx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

// Stdin is the path that selects standard input.
const Stdin = "-"

// FileSource implements harvest.RecordSource over CDX JSON files read in
// order. It returns pages of at most pageSize records.
type FileSource struct {
	paths    []string
	pageSize int
	stdin    io.Reader
	logger   *zap.Logger

	current *Decoder
	closer  io.Closer
}

var _ harvest.RecordSource = (*FileSource)(nil)

// NewFileSource reads paths in order. The path "-" reads standard input.
func NewFileSource(paths []string, pageSize int, logger *zap.Logger) *FileSource {
	if pageSize <= 0 {
		pageSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{
		paths:    append([]string(nil), paths...),
		pageSize: pageSize,
		stdin:    os.Stdin,
		logger:   logger.Named("cdx"),
	}
}

// Next returns the next page of records or io.EOF once every file is read.
func (s *FileSource) Next(ctx context.Context) ([]harvest.Record, error) {
	var page []harvest.Record
	for len(page) < s.pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.current == nil {
			if len(s.paths) == 0 {
				break
			}
			if err := s.open(s.paths[0]); err != nil {
				return nil, err
			}
			s.paths = s.paths[1:]
		}
		rec, err := s.current.Next()
		if errors.Is(err, io.EOF) {
			s.closeCurrent()
			continue
		}
		if err != nil {
			s.closeCurrent()
			return nil, err
		}
		page = append(page, rec)
	}
	if len(page) == 0 {
		return nil, io.EOF
	}
	return page, nil
}

func (s *FileSource) open(path string) error {
	var r io.Reader
	if path == Stdin {
		r = s.stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		r, s.closer = f, f
	}
	dec, err := NewDecoder(r)
	if err != nil {
		s.closeCurrent()
		return fmt.Errorf("read %s: %w", path, err)
	}
	s.current = dec
	s.logger.Info("reading cdx records", zap.String("path", path))
	return nil
}

func (s *FileSource) closeCurrent() {
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.logger.Warn("close cdx file", zap.Error(err))
		}
	}
	s.closer = nil
	s.current = nil
}

// Close releases the open file, if any.
func (s *FileSource) Close() {
	s.closeCurrent()
	s.paths = nil
}
