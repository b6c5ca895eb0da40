// Package normalize maps heterogeneous raw rows onto the unified event schema.
package normalize

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
)

// Field aliases in priority order.
var (
	aliasEventType = []string{"event_type", "type", "e"}
	aliasSymbol    = []string{"symbol", "s", "instrument", "market"}
	aliasTsEvent   = []string{"event_timestamp", "origin_time", "timestamp", "ts", "E", "T", "time"}
	aliasTsRecv    = []string{"receive_time", "ts_recv", "local_timestamp", "received_at"}
	aliasUpdateID  = []string{"update_id", "u", "last_update_id", "lastUpdateId", "sequence", "seq_num"}

	aliasTradeID        = []string{"trade_id", "tradeId", "tid", "t", "id"}
	aliasTradePrice     = []string{"price", "trade_price", "exec_price", "p"}
	aliasTradeQty       = []string{"quantity", "trade_quantity", "qty", "size", "exec_qty", "q"}
	aliasAggressor      = []string{"aggressor", "aggressor_side", "taker_side", "side"}
	aliasBuyerMaker     = []string{"is_buyer_maker", "m"}
	aliasDeltaSide      = []string{"side", "book_side"}
	aliasDeltaPrice     = []string{"price", "level_price", "p"}
	aliasDeltaQty       = []string{"quantity", "qty", "size", "level_quantity", "amount", "q"}
	aliasSnapshotBids   = []string{"bids", "b"}
	aliasSnapshotAsks   = []string{"asks", "a"}
	wideBidPricePrefix  = []string{"bid_price_", "bids_price_", "bid_px_"}
	wideBidQtyPrefix    = []string{"bid_qty_", "bid_quantity_", "bid_size_", "bids_qty_"}
	wideAskPricePrefix  = []string{"ask_price_", "asks_price_", "ask_px_"}
	wideAskQtyPrefix    = []string{"ask_qty_", "ask_quantity_", "ask_size_", "asks_qty_"}
	aliasLevelPriceKeys = []string{"price", "p", "px"}
	aliasLevelQtyKeys   = []string{"quantity", "qty", "size", "q"}
)

// maxWideLevels bounds the scan of bid_price_N style columns.
const maxWideLevels = 5000

// Normalizer turns raw rows into schema events for a single symbol. It assigns the
// arrival sequence and is not safe for concurrent use.
type Normalizer struct {
	symbol string
	seq    uint64
}

// NewNormalizer creates a normalizer. An empty symbol accepts whatever symbol the
// rows carry.
func NewNormalizer(symbol string) *Normalizer {
	return &Normalizer{symbol: symbol}
}

// Seq returns the next arrival sequence number.
func (n *Normalizer) Seq() uint64 {
	return n.seq
}

// SetSeq resumes arrival numbering, used after recovery.
func (n *Normalizer) SetSeq(seq uint64) {
	n.seq = seq
}

// Normalize converts one row.
func (n *Normalizer) Normalize(row Row) (schema.Event, error) {
	eventType, err := detectType(row)
	if err != nil {
		return schema.Event{}, err
	}

	symbol, err := n.resolveSymbol(row)
	if err != nil {
		return schema.Event{}, err
	}

	field, raw, ok := row.lookup(aliasTsEvent)
	if !ok {
		return schema.Event{}, rowErr("event_timestamp", exception.ErrMissingTimestamp)
	}
	tsEvent, err := toTimestamp(raw)
	if err != nil {
		return schema.Event{}, rowErr(field, err)
	}
	var tsRecv int64
	if field, raw, ok := row.lookup(aliasTsRecv); ok {
		if tsRecv, err = toTimestamp(raw); err != nil {
			return schema.Event{}, rowErr(field, err)
		}
	}

	var ev schema.Event
	switch eventType {
	case schema.EventTrade:
		ev, err = n.trade(row, symbol, tsEvent)
	case schema.EventBookSnapshot:
		ev, err = n.snapshot(row, symbol, tsEvent)
	case schema.EventBookDelta:
		ev, err = n.delta(row, symbol, tsEvent)
	}
	if err != nil {
		return schema.Event{}, err
	}
	ev.Header.TsRecv = tsRecv
	n.seq++
	return ev, nil
}

// NormalizeBatch normalizes every row. Failed rows are reported by index and left out
// of the result.
func (n *Normalizer) NormalizeBatch(rows []Row) ([]schema.Event, map[int]error) {
	events := make([]schema.Event, 0, len(rows))
	var errs map[int]error
	for i, row := range rows {
		ev, err := n.Normalize(row)
		if err != nil {
			if errs == nil {
				errs = make(map[int]error)
			}
			errs[i] = err
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

func (n *Normalizer) resolveSymbol(row Row) (string, error) {
	field, raw, ok := row.lookup(aliasSymbol)
	if !ok {
		if n.symbol == "" {
			return "", rowErr("symbol", exception.ErrMissingField)
		}
		return n.symbol, nil
	}
	symbol := strings.ToUpper(toString(raw))
	if n.symbol != "" && !strings.EqualFold(symbol, n.symbol) {
		return "", rowErr(field, fmt.Errorf("%w: got %s, want %s", exception.ErrSymbolMismatch, symbol, n.symbol))
	}
	if n.symbol != "" {
		return n.symbol, nil
	}
	return symbol, nil
}

// detectType uses event_type when present, otherwise field heuristics.
func detectType(row Row) (schema.EventType, error) {
	if field, raw, ok := row.lookup(aliasEventType); ok {
		t := schema.ParseEventType(toString(raw))
		if t == schema.EventUnknown {
			return t, rowErr(field, fmt.Errorf("%w: %v", exception.ErrUnknownEventType, raw))
		}
		return t, nil
	}
	switch {
	case row.has(aliasSnapshotBids) || row.has(aliasSnapshotAsks) || hasWide(row):
		return schema.EventBookSnapshot, nil
	case row.has(aliasTradeID):
		return schema.EventTrade, nil
	case row.has(aliasDeltaSide) && row.has(aliasDeltaPrice) && row.has(aliasDeltaQty):
		return schema.EventBookDelta, nil
	default:
		return schema.EventUnknown, rowErr("", exception.ErrUnknownEventShape)
	}
}

func hasWide(row Row) bool {
	for _, prefix := range slices.Concat(wideBidPricePrefix, wideAskPricePrefix) {
		if _, ok := row[prefix+"0"]; ok {
			return true
		}
		if _, ok := row[prefix+"1"]; ok {
			return true
		}
	}
	return false
}

func (n *Normalizer) trade(row Row, symbol string, ts int64) (schema.Event, error) {
	var trade schema.Trade
	if _, raw, ok := row.lookup(aliasTradeID); ok {
		trade.TradeID = toString(raw)
	}

	field, raw, ok := row.lookup(aliasTradePrice)
	if !ok {
		return schema.Event{}, rowErr("price", exception.ErrMissingField)
	}
	price, err := toScaled(raw)
	if err != nil {
		return schema.Event{}, rowErr(field, err)
	}
	if price <= 0 {
		return schema.Event{}, rowErr(field, exception.ErrInvalidLevel)
	}

	field, raw, ok = row.lookup(aliasTradeQty)
	if !ok {
		return schema.Event{}, rowErr("quantity", exception.ErrMissingField)
	}
	qty, err := toScaled(raw)
	if err != nil {
		return schema.Event{}, rowErr(field, err)
	}
	if qty < 0 {
		return schema.Event{}, rowErr(field, exception.ErrInvalidLevel)
	}

	trade.Price = price
	trade.Quantity = qty
	trade.Aggressor = parseAggressor(row)

	ev := schema.NewTrade(symbol, n.seq, ts, trade)
	if err := attachUpdateID(row, &ev, false); err != nil {
		return schema.Event{}, err
	}
	return ev, nil
}

func parseAggressor(row Row) schema.Aggressor {
	if _, raw, ok := row.lookup(aliasAggressor); ok {
		switch strings.ToLower(toString(raw)) {
		case "buy", "b", "bid", "taker_buy":
			return schema.AggressorBuy
		case "sell", "s", "ask", "a", "taker_sell":
			return schema.AggressorSell
		}
	}
	if _, raw, ok := row.lookup(aliasBuyerMaker); ok {
		if maker, ok := toBool(raw); ok {
			// buyer is the maker, so the seller took liquidity
			if maker {
				return schema.AggressorSell
			}
			return schema.AggressorBuy
		}
	}
	return schema.AggressorUnknown
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	default:
		return false, false
	}
}

func (n *Normalizer) delta(row Row, symbol string, ts int64) (schema.Event, error) {
	if !row.has(aliasUpdateID) {
		return schema.Event{}, rowErr("update_id", exception.ErrMissingUpdateID)
	}

	field, raw, ok := row.lookup(aliasDeltaSide)
	if !ok {
		return schema.Event{}, rowErr("side", exception.ErrMissingField)
	}
	side := parseSide(toString(raw))
	if side == schema.SideUnknown {
		return schema.Event{}, rowErr(field, fmt.Errorf("%w: %v", exception.ErrUnknownSide, raw))
	}

	field, raw, ok = row.lookup(aliasDeltaPrice)
	if !ok {
		return schema.Event{}, rowErr("price", exception.ErrMissingField)
	}
	price, err := toScaled(raw)
	if err != nil {
		return schema.Event{}, rowErr(field, err)
	}
	if price <= 0 {
		return schema.Event{}, rowErr(field, exception.ErrNonPositivePrice)
	}

	field, raw, ok = row.lookup(aliasDeltaQty)
	if !ok {
		return schema.Event{}, rowErr("quantity", exception.ErrMissingField)
	}
	qty, err := toScaled(raw)
	if err != nil {
		return schema.Event{}, rowErr(field, err)
	}
	if qty < 0 {
		return schema.Event{}, rowErr(field, exception.ErrNegativeQuantity)
	}

	ev := schema.NewDelta(symbol, n.seq, ts, 0, schema.Delta{Side: side, Price: price, Quantity: qty})
	if err := attachUpdateID(row, &ev, true); err != nil {
		return schema.Event{}, err
	}
	return ev, nil
}

func parseSide(s string) schema.Side {
	switch strings.ToLower(s) {
	case "bid", "bids", "b", "buy":
		return schema.SideBid
	case "ask", "asks", "a", "sell", "offer":
		return schema.SideAsk
	default:
		return schema.SideUnknown
	}
}

func attachUpdateID(row Row, ev *schema.Event, required bool) error {
	field, raw, ok := row.lookup(aliasUpdateID)
	if !ok {
		if required {
			return rowErr("update_id", exception.ErrMissingUpdateID)
		}
		return nil
	}
	id, err := toInt64(raw)
	if err != nil {
		return rowErr(field, err)
	}
	ev.Header = ev.Header.WithUpdateID(id)
	return nil
}

func (n *Normalizer) snapshot(row Row, symbol string, ts int64) (schema.Event, error) {
	var (
		bids, asks []schema.Level
		err        error
	)
	if row.has(aliasSnapshotBids) || row.has(aliasSnapshotAsks) {
		if bids, err = listLevels(row, aliasSnapshotBids); err != nil {
			return schema.Event{}, err
		}
		if asks, err = listLevels(row, aliasSnapshotAsks); err != nil {
			return schema.Event{}, err
		}
	} else {
		if bids, err = wideLevels(row, wideBidPricePrefix, wideBidQtyPrefix); err != nil {
			return schema.Event{}, err
		}
		if asks, err = wideLevels(row, wideAskPricePrefix, wideAskQtyPrefix); err != nil {
			return schema.Event{}, err
		}
	}

	ev := schema.NewSnapshot(symbol, n.seq, ts, bids, asks)
	if err := attachUpdateID(row, &ev, false); err != nil {
		return schema.Event{}, err
	}
	return ev, nil
}

// listLevels reads [[price, qty], ...] or [{"price":..,"quantity":..}, ...].
func listLevels(row Row, aliases []string) ([]schema.Level, error) {
	field, raw, ok := row.lookup(aliases)
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, rowErr(field, fmt.Errorf("%w: levels of type %T", exception.ErrMalformedEventBody, raw))
	}

	levels := make([]schema.Level, 0, len(items))
	for i, item := range items {
		var priceRaw, qtyRaw any
		switch x := item.(type) {
		case []any:
			if len(x) < 2 {
				return nil, rowErr(fmt.Sprintf("%s[%d]", field, i), exception.ErrInvalidLevel)
			}
			priceRaw, qtyRaw = x[0], x[1]
		case map[string]any:
			_, priceRaw, _ = Row(x).lookup(aliasLevelPriceKeys)
			_, qtyRaw, _ = Row(x).lookup(aliasLevelQtyKeys)
		}
		if priceRaw == nil || qtyRaw == nil {
			return nil, rowErr(fmt.Sprintf("%s[%d]", field, i), exception.ErrInvalidLevel)
		}
		lvl, err := makeLevel(priceRaw, qtyRaw)
		if err != nil {
			return nil, rowErr(fmt.Sprintf("%s[%d]", field, i), err)
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

// wideLevels reads bid_price_0/bid_qty_0 style columns. Numbering may start at 0 or 1
// and stops at the first missing index.
func wideLevels(row Row, pricePrefixes, qtyPrefixes []string) ([]schema.Level, error) {
	pricePrefix, qtyPrefix := "", ""
	start := -1
	for i, prefix := range pricePrefixes {
		for _, idx := range []int{0, 1} {
			if _, ok := row[prefix+strconv.Itoa(idx)]; ok {
				pricePrefix, qtyPrefix, start = prefix, qtyPrefixes[i], idx
				break
			}
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return nil, nil
	}

	var levels []schema.Level
	for idx := start; idx < start+maxWideLevels; idx++ {
		priceKey := pricePrefix + strconv.Itoa(idx)
		priceRaw, ok := row[priceKey]
		if !ok || priceRaw == nil {
			break
		}
		qtyRaw, ok := row[qtyPrefix+strconv.Itoa(idx)]
		if !ok || qtyRaw == nil {
			return nil, rowErr(qtyPrefix+strconv.Itoa(idx), exception.ErrMissingField)
		}
		lvl, err := makeLevel(priceRaw, qtyRaw)
		if err != nil {
			return nil, rowErr(priceKey, err)
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

func makeLevel(priceRaw, qtyRaw any) (schema.Level, error) {
	price, err := toScaled(priceRaw)
	if err != nil {
		return schema.Level{}, err
	}
	qty, err := toScaled(qtyRaw)
	if err != nil {
		return schema.Level{}, err
	}
	if price <= 0 || qty < 0 {
		return schema.Level{}, fmt.Errorf("%w: price %s quantity %s", exception.ErrInvalidLevel, price, qty)
	}
	return schema.Level{Price: price, Quantity: qty}, nil
}
