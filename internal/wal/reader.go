package wal

import (
	"bufio"
	"encoding/binary"
	"io"

	"lobreplay/internal/codec"
	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
)

// Entry is one logged event with its WAL metadata. SourceOffset is the input position
// just past the row the event was normalized from.
type Entry struct {
	Event        schema.Event
	WALTimestamp int64
	SegmentID    uint64
	SourceOffset int64
}

// Reader decodes WAL records sequentially.
type Reader struct {
	r         *bufio.Reader
	headerBuf []byte
	payload   []byte
}

// NewReader wraps an io.Reader with WAL decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// Next returns the next entry, or io.EOF at a clean end of stream.
func (r *Reader) Next() (Entry, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return Entry{}, io.EOF
		}
		return Entry{}, err
	}

	header, err := decodeRecordHeader(r.headerBuf)
	if err != nil {
		return Entry{}, err
	}
	if uint64(header.PayloadLen) > maxPayloadLen {
		return Entry{}, exception.ErrWALPayloadTooLarge
	}

	if cap(r.payload) < int(header.PayloadLen) {
		r.payload = make([]byte, header.PayloadLen)
	}
	r.payload = r.payload[:header.PayloadLen]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return Entry{}, err
	}

	var checksumBuf [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, checksumBuf[:]); err != nil {
		return Entry{}, err
	}
	if binary.LittleEndian.Uint32(checksumBuf[:]) != checksum(r.headerBuf, r.payload) {
		return Entry{}, exception.ErrWALChecksumMismatch
	}

	ev, err := codec.DecodeEvent(r.payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Event:        ev,
		WALTimestamp: header.WALTimestamp,
		SegmentID:    header.SegmentID,
		SourceOffset: header.SourceOffset,
	}, nil
}
