package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
	"lobreplay/pkg/fixed"
)

func TestEventCodecPreservesEveryShape(t *testing.T) {
	events := []schema.Event{
		schema.NewTrade("BTCUSDT", 1, 100, schema.Trade{
			TradeID:   "abc-1",
			Price:     fixed.MustParse("50000.00000001"),
			Quantity:  fixed.MustParse("0.5"),
			Aggressor: schema.AggressorSell,
		}),
		schema.NewDelta("BTCUSDT", 2, 200, 77, schema.Delta{
			Side:     schema.SideAsk,
			Price:    fixed.MustParse("101"),
			Quantity: fixed.Zero,
		}),
		schema.NewSnapshot("BTCUSDT", 3, 300,
			[]schema.Level{{Price: fixed.FromInt(100), Quantity: fixed.One}},
			[]schema.Level{{Price: fixed.FromInt(101), Quantity: fixed.One}, {Price: fixed.FromInt(102), Quantity: fixed.FromInt(2)}},
		),
	}
	events[0].Header.TsRecv = 150

	var buf []byte
	for _, ev := range events {
		var err error
		buf, err = EncodeEvent(buf, ev)
		require.NoError(t, err)

		got, err := DecodeEvent(buf)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestDecodeEventRejectsTruncated(t *testing.T) {
	ev := schema.NewSnapshot("BTCUSDT", 3, 300, []schema.Level{{Price: fixed.FromInt(100), Quantity: fixed.One}}, nil)
	buf, err := EncodeEvent(nil, ev)
	require.NoError(t, err)

	_, err = DecodeEvent(buf[:len(buf)-1])
	require.ErrorIs(t, err, exception.ErrBuffTooSmall)

	_, err = DecodeEvent(buf[:10])
	require.ErrorIs(t, err, exception.ErrBuffTooSmall)
}

func TestEncodeEventRejectsUnknownType(t *testing.T) {
	_, err := EncodeEvent(nil, schema.Event{})
	require.ErrorIs(t, err, exception.ErrTypeUnsupported)
}
