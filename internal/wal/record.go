package wal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
)

const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 56
	recordChecksumSize        = 4
	maxPayloadLen             = uint64(^uint32(0))
)

var (
	recordMagic = [4]byte{'W', 'A', 'L', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

// recordHeader carries the WAL metadata of one logged event. The event itself is the
// codec payload that follows.
type recordHeader struct {
	EventType    schema.EventType
	PayloadLen   uint32
	Seq          uint64
	WALTimestamp int64
	SegmentID    uint64
	UpdateID     int64
	SourceOffset int64
}

func encodeHeader(dst []byte, h recordHeader) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], uint16(h.EventType))
	binary.LittleEndian.PutUint16(dst[10:12], 0)
	binary.LittleEndian.PutUint32(dst[12:16], h.PayloadLen)
	binary.LittleEndian.PutUint64(dst[16:24], h.Seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(h.WALTimestamp))
	binary.LittleEndian.PutUint64(dst[32:40], h.SegmentID)
	binary.LittleEndian.PutUint64(dst[40:48], uint64(h.UpdateID))
	binary.LittleEndian.PutUint64(dst[48:56], uint64(h.SourceOffset))
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

func decodeRecordHeader(src []byte) (recordHeader, error) {
	if len(src) < recordHeaderSize {
		return recordHeader{}, exception.ErrWALRecordHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return recordHeader{}, exception.ErrWALInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return recordHeader{}, exception.ErrWALRecordVersion
	}
	if headerSize := binary.LittleEndian.Uint16(src[6:8]); headerSize != recordHeaderSize {
		return recordHeader{}, exception.ErrWALRecordHeaderSize
	}
	return recordHeader{
		EventType:    schema.EventType(binary.LittleEndian.Uint16(src[8:10])),
		PayloadLen:   binary.LittleEndian.Uint32(src[12:16]),
		Seq:          binary.LittleEndian.Uint64(src[16:24]),
		WALTimestamp: int64(binary.LittleEndian.Uint64(src[24:32])),
		SegmentID:    binary.LittleEndian.Uint64(src[32:40]),
		UpdateID:     int64(binary.LittleEndian.Uint64(src[40:48])),
		SourceOffset: int64(binary.LittleEndian.Uint64(src[48:56])),
	}, nil
}
