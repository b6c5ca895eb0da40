package codec

import (
	"encoding/binary"
	"fmt"

	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
	"lobreplay/pkg/fixed"
)

const (
	// EventHeaderSize is the fixed prefix shared by every event payload.
	EventHeaderSize = 40
	levelSize       = 16
	tradeFixedSize  = 19
	deltaSize       = 17
	snapshotFixed   = 9

	flagHasUpdateID  = 1 << 0
	flagIsSnapshot   = 1 << 0
	maxSymbolLen     = 0xff
	maxTradeIDLen    = 0xffff
	maxSnapshotLevel = 1 << 24
)

// EncodeEvent appends the binary form of ev to dst[:0] and returns the result.
//
// Layout, little endian:
//
//	[0:2]   event type
//	[2:4]   schema version
//	[4]     flags
//	[5]     symbol length
//	[6:8]   reserved
//	[8:16]  seq
//	[16:24] event timestamp
//	[24:32] receive timestamp
//	[32:40] update id
//	symbol bytes, then the type specific body
func EncodeEvent(dst []byte, ev schema.Event) ([]byte, error) {
	if len(ev.Symbol) > maxSymbolLen {
		return nil, fmt.Errorf("%w: symbol length %d", exception.ErrInvalidArgument, len(ev.Symbol))
	}

	dst = dst[:0]
	var head [EventHeaderSize]byte
	binary.LittleEndian.PutUint16(head[0:2], uint16(ev.Header.Type))
	version := ev.Header.Version
	if version == 0 {
		version = schema.SchemaVersion
	}
	binary.LittleEndian.PutUint16(head[2:4], version)
	if ev.Header.HasUpdateID {
		head[4] |= flagHasUpdateID
	}
	head[5] = uint8(len(ev.Symbol))
	binary.LittleEndian.PutUint64(head[8:16], ev.Header.Seq)
	binary.LittleEndian.PutUint64(head[16:24], uint64(ev.Header.TsEvent))
	binary.LittleEndian.PutUint64(head[24:32], uint64(ev.Header.TsRecv))
	binary.LittleEndian.PutUint64(head[32:40], uint64(ev.Header.UpdateID))
	dst = append(dst, head[:]...)
	dst = append(dst, ev.Symbol...)

	switch ev.Header.Type {
	case schema.EventTrade:
		t := ev.Trade
		if len(t.TradeID) > maxTradeIDLen {
			return nil, fmt.Errorf("%w: trade id length %d", exception.ErrInvalidArgument, len(t.TradeID))
		}
		dst = binary.LittleEndian.AppendUint64(dst, uint64(t.Price))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(t.Quantity))
		dst = append(dst, uint8(t.Aggressor))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(t.TradeID)))
		dst = append(dst, t.TradeID...)
	case schema.EventBookDelta:
		d := ev.Delta
		dst = append(dst, uint8(d.Side))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(d.Price))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(d.Quantity))
	case schema.EventBookSnapshot:
		s := ev.Snapshot
		if len(s.Bids) >= maxSnapshotLevel || len(s.Asks) >= maxSnapshotLevel {
			return nil, fmt.Errorf("%w: snapshot too deep", exception.ErrInvalidArgument)
		}
		var flags uint8
		if s.IsSnapshot {
			flags |= flagIsSnapshot
		}
		dst = append(dst, flags)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s.Bids)))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s.Asks)))
		dst = appendLevels(dst, s.Bids)
		dst = appendLevels(dst, s.Asks)
	default:
		return nil, fmt.Errorf("%w: event type %s", exception.ErrTypeUnsupported, ev.Header.Type)
	}
	return dst, nil
}

func appendLevels(dst []byte, levels []schema.Level) []byte {
	for _, lvl := range levels {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(lvl.Price))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(lvl.Quantity))
	}
	return dst
}

// DecodeEvent parses a payload produced by EncodeEvent. The returned event does not
// alias src.
func DecodeEvent(src []byte) (schema.Event, error) {
	if len(src) < EventHeaderSize {
		return schema.Event{}, exception.ErrBuffTooSmall
	}
	var ev schema.Event
	ev.Header = schema.EventHeader{
		Type:        schema.EventType(binary.LittleEndian.Uint16(src[0:2])),
		Version:     binary.LittleEndian.Uint16(src[2:4]),
		HasUpdateID: src[4]&flagHasUpdateID != 0,
		Seq:         binary.LittleEndian.Uint64(src[8:16]),
		TsEvent:     int64(binary.LittleEndian.Uint64(src[16:24])),
		TsRecv:      int64(binary.LittleEndian.Uint64(src[24:32])),
		UpdateID:    int64(binary.LittleEndian.Uint64(src[32:40])),
	}
	symLen := int(src[5])
	body := src[EventHeaderSize:]
	if len(body) < symLen {
		return schema.Event{}, exception.ErrBuffTooSmall
	}
	ev.Symbol = string(body[:symLen])
	body = body[symLen:]

	switch ev.Header.Type {
	case schema.EventTrade:
		if len(body) < tradeFixedSize {
			return schema.Event{}, exception.ErrBuffTooSmall
		}
		ev.Trade.Price = fixed.Scaled(int64(binary.LittleEndian.Uint64(body[0:8])))
		ev.Trade.Quantity = fixed.Scaled(int64(binary.LittleEndian.Uint64(body[8:16])))
		ev.Trade.Aggressor = schema.Aggressor(body[16])
		idLen := int(binary.LittleEndian.Uint16(body[17:19]))
		if len(body) < tradeFixedSize+idLen {
			return schema.Event{}, exception.ErrBuffTooSmall
		}
		ev.Trade.TradeID = string(body[tradeFixedSize : tradeFixedSize+idLen])
	case schema.EventBookDelta:
		if len(body) < deltaSize {
			return schema.Event{}, exception.ErrBuffTooSmall
		}
		ev.Delta.Side = schema.Side(body[0])
		ev.Delta.Price = fixed.Scaled(int64(binary.LittleEndian.Uint64(body[1:9])))
		ev.Delta.Quantity = fixed.Scaled(int64(binary.LittleEndian.Uint64(body[9:17])))
	case schema.EventBookSnapshot:
		if len(body) < snapshotFixed {
			return schema.Event{}, exception.ErrBuffTooSmall
		}
		ev.Snapshot.IsSnapshot = body[0]&flagIsSnapshot != 0
		nBids := int(binary.LittleEndian.Uint32(body[1:5]))
		nAsks := int(binary.LittleEndian.Uint32(body[5:9]))
		if nBids >= maxSnapshotLevel || nAsks >= maxSnapshotLevel {
			return schema.Event{}, fmt.Errorf("%w: snapshot level count", exception.ErrMalformedEventBody)
		}
		body = body[snapshotFixed:]
		if len(body) < (nBids+nAsks)*levelSize {
			return schema.Event{}, exception.ErrBuffTooSmall
		}
		ev.Snapshot.Bids = decodeLevels(body, nBids)
		ev.Snapshot.Asks = decodeLevels(body[nBids*levelSize:], nAsks)
	default:
		return schema.Event{}, fmt.Errorf("%w: event type %d", exception.ErrTypeUnsupported, ev.Header.Type)
	}
	return ev, nil
}

func decodeLevels(src []byte, n int) []schema.Level {
	if n == 0 {
		return nil
	}
	levels := make([]schema.Level, n)
	for i := range levels {
		off := i * levelSize
		levels[i] = schema.Level{
			Price:    fixed.Scaled(int64(binary.LittleEndian.Uint64(src[off : off+8]))),
			Quantity: fixed.Scaled(int64(binary.LittleEndian.Uint64(src[off+8 : off+16]))),
		}
	}
	return levels
}
