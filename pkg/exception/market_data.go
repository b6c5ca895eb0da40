package exception

import "github.com/yanun0323/errors"

// Input-contract errors. These are fatal for the batch or file being processed.
var (
	ErrMissingUpdateID    = errors.New("market data: missing update_id column")
	ErrMissingTimestamp   = errors.New("market data: missing event timestamp")
	ErrMissingField       = errors.New("market data: missing required field")
	ErrUnknownEventShape  = errors.New("market data: cannot infer event type")
	ErrUnknownEventType   = errors.New("market data: unknown event_type")
	ErrInvalidDecimal     = errors.New("market data: invalid decimal")
	ErrPrecisionLoss      = errors.New("market data: decimal exceeds 8 fractional digits")
	ErrDecimalOverflow    = errors.New("market data: decimal overflows scaled int64")
	ErrInvalidLevel       = errors.New("market data: invalid price level")
	ErrSymbolMismatch     = errors.New("market data: symbol mismatch")
	ErrMalformedEventBody = errors.New("market data: malformed event body")
)
