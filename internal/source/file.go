package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"lobreplay/internal/normalize"
	"lobreplay/pkg/exception"
)

// FileSource reads newline-delimited JSON rows from a list of files in name order.
// Offsets run across the whole list, so one int64 identifies a position in any file.
// Numbers are kept as json.Number so decimals reach the normalizer unrounded.
type FileSource struct {
	paths  []string
	sizes  []int64
	idx    int
	file   *os.File
	reader *bufio.Reader
	base   int64
	offset int64
}

// NewFileSource opens the files matching pattern.
func NewFileSource(pattern string) (*FileSource, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no input matches %s", exception.ErrInvalidArgument, pattern)
	}
	slices.Sort(paths)
	sizes := make([]int64, len(paths))
	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		sizes[i] = info.Size()
	}
	return &FileSource{paths: paths, sizes: sizes}, nil
}

// Files returns the inputs in read order.
func (s *FileSource) Files() []string {
	return slices.Clone(s.paths)
}

// Seek positions the source at a global offset previously returned in a Message.
func (s *FileSource) Seek(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("%w: negative offset %d", exception.ErrInvalidArgument, offset)
	}
	s.closeFile()
	var base int64
	for i, size := range s.sizes {
		if offset < base+size {
			s.idx = i
			if err := s.open(base); err != nil {
				return err
			}
			if _, err := s.file.Seek(offset-base, io.SeekStart); err != nil {
				return err
			}
			s.reader.Reset(s.file)
			s.offset = offset
			return nil
		}
		base += size
	}
	if offset > base {
		return fmt.Errorf("%w: offset %d beyond input size %d", exception.ErrInvalidArgument, offset, base)
	}
	s.idx = len(s.paths)
	s.base, s.offset = base, base
	return nil
}

func (s *FileSource) open(base int64) error {
	file, err := os.Open(s.paths[s.idx])
	if err != nil {
		return err
	}
	s.file = file
	if s.reader == nil {
		s.reader = bufio.NewReaderSize(file, 1<<20)
	} else {
		s.reader.Reset(file)
	}
	s.base, s.offset = base, base
	return nil
}

func (s *FileSource) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

// Next returns the next row. A malformed line is reported with its position so the
// caller can skip it.
func (s *FileSource) Next(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		if s.file == nil {
			if s.idx >= len(s.paths) {
				return Message{}, io.EOF
			}
			if err := s.open(s.base); err != nil {
				return Message{}, err
			}
		}

		line, err := s.reader.ReadBytes('\n')
		s.offset += int64(len(line))
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) == 0 {
				s.closeFile()
				s.base += s.sizes[s.idx]
				s.idx++
				continue
			}
		} else if err != nil {
			return Message{}, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		msg := Message{File: s.paths[s.idx], Offset: s.offset}
		row, err := decodeRow(line)
		if err != nil {
			return msg, fmt.Errorf("%w: %s@%d: %v", exception.ErrMalformedEventBody, msg.File, msg.Offset, err)
		}
		msg.Row = row
		return msg, nil
	}
}

// Close releases the open file.
func (s *FileSource) Close() error {
	s.closeFile()
	s.idx = len(s.paths)
	return nil
}

func decodeRow(data []byte) (normalize.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row normalize.Row
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}
