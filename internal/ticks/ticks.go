// Package ticks implements the validate/resolve/split/enrich/batch/
// publish pipeline: the path every inbound broker tick batch travels
// before it reaches a client over the fan-out hub.
package ticks

import (
	"encoding/json"
	"math"

	"github.com/epic1st/optionstream/backend/internal/apperr"
)

// wireTick is the upstream vendor's raw tick shape, decoded from the
// payload internal/pool.RawTick carries.
type wireTick struct {
	Token  uint32           `json:"token"`
	Last   float64          `json:"last"`
	Bid    float64          `json:"bid"`
	Ask    float64          `json:"ask"`
	BidQty uint64           `json:"bid_qty"`
	AskQty uint64           `json:"ask_qty"`
	Volume uint64           `json:"volume"`
	OI     uint64           `json:"oi"`
	IV     *float64         `json:"iv,omitempty"`
	TsMs   uint64           `json:"ts_ms"`
	Depth  []wireDepthLevel `json:"depth,omitempty"`
}

type wireDepthLevel struct {
	Price  float64 `json:"price"`
	Qty    uint64  `json:"qty"`
	Orders uint32  `json:"orders"`
}

// decodeTick validates and decodes one raw tick payload. token and tsMs
// must be present and non-zero; last must be numeric, and NaN/Inf or
// negative prices are rejected. A payload with no last field decodes as
// 0 and is accepted.
func decodeTick(data []byte) (wireTick, error) {
	var t wireTick
	if err := json.Unmarshal(data, &t); err != nil {
		return wireTick{}, apperr.Validation("malformed tick payload: %v", err)
	}
	if t.Token == 0 {
		return wireTick{}, apperr.Validation("tick missing token")
	}
	if t.TsMs == 0 {
		return wireTick{}, apperr.Validation("tick %d missing tsMs", t.Token)
	}
	if math.IsNaN(t.Last) || math.IsInf(t.Last, 0) {
		return wireTick{}, apperr.Validation("tick %d: last is NaN/Inf", t.Token)
	}
	if t.Last < 0 {
		return wireTick{}, apperr.Validation("tick %d: negative last price", t.Token)
	}
	return t, nil
}
