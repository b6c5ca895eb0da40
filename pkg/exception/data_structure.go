package exception

import "github.com/yanun0323/errors"

// Ledger errors
var (
	ErrInvalidMaxLevels = errors.New("book: max levels must be > 0")
	ErrNegativeQuantity = errors.New("book: negative quantity")
	ErrNonPositivePrice = errors.New("book: price must be > 0")
	ErrUnknownSide      = errors.New("book: unknown side")
	ErrBookInvariant    = errors.New("book: invariant violated")
)
