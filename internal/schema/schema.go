package schema

// SchemaVersion is the current event schema version.
const SchemaVersion uint16 = 1

// EventType defines the variant of a UnifiedMarketEvent.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventTrade
	EventBookSnapshot
	EventBookDelta
)

func (t EventType) String() string {
	switch t {
	case EventTrade:
		return "TRADE"
	case EventBookSnapshot:
		return "BOOK_SNAPSHOT"
	case EventBookDelta:
		return "BOOK_DELTA"
	default:
		return "UNKNOWN"
	}
}

// ParseEventType accepts the canonical names plus the lowercase short forms
// found in raw feeds.
func ParseEventType(s string) EventType {
	switch s {
	case "TRADE", "trade", "trades":
		return EventTrade
	case "BOOK_SNAPSHOT", "book_snapshot", "snapshot", "depth_snapshot", "orderbook_snapshot":
		return EventBookSnapshot
	case "BOOK_DELTA", "book_delta", "delta", "depth_update", "depthUpdate", "orderbook_delta":
		return EventBookDelta
	default:
		return EventUnknown
	}
}

// EventHeader is the common envelope of every event.
type EventHeader struct {
	Type    EventType
	Version uint16
	// Seq is the arrival order assigned at ingestion. It is the tie breaker of last resort.
	Seq         uint64
	TsEvent     int64
	TsRecv      int64
	UpdateID    int64
	HasUpdateID bool
}

// NewHeader builds a header with the current schema version.
func NewHeader(eventType EventType, seq uint64, tsEvent, tsRecv int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Version: SchemaVersion,
		Seq:     seq,
		TsEvent: tsEvent,
		TsRecv:  tsRecv,
	}
}

// WithUpdateID returns a copy carrying the update id.
func (h EventHeader) WithUpdateID(id int64) EventHeader {
	h.UpdateID = id
	h.HasUpdateID = true
	return h
}
