// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — order types,
// order-book wire shapes, and user-channel WebSocket event payloads. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles. The agent only ever
// submits fill-or-kill orders.
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // fill-or-kill: fill fully at the limit price or cancel
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the trader.
// The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string    // which token to trade (Up or Down asset ID)
	Price      string    // limit price, already tick-rounded, as a decimal string
	Size       string    // quantity in tokens, already step-rounded, as a decimal string
	Side       Side      // BUY (the agent never sells — it holds to resolution)
	OrderType  OrderType // FOK
	TickSize   string    // market's price granularity (for amount rounding)
	Expiration int64     // unix timestamp, 0 = no expiry
	FeeRateBps int       // fee rate in basis points
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST API request body for POST /orders.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse is the REST API response for an order submission. Fills may
// carry PnL fields under several historical key spellings; see
// internal/trader's pnl visitor for extraction.
type OrderResponse struct {
	Success  bool            `json:"success"`
	ErrorMsg string          `json:"errorMsg"`
	OrderID  string          `json:"orderID"`
	Status   string          `json:"status"`
	Fills    []Fill          `json:"fills,omitempty"`
	Extra    map[string]any  `json:"-"` // raw bag for fields not otherwise modeled
}

// UnmarshalJSON decodes the modeled fields and captures the full object
// into Extra for response shapes that carry top-level PnL/settlement
// fields outside of fills.
func (o *OrderResponse) UnmarshalJSON(data []byte) error {
	type alias OrderResponse
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = OrderResponse(a)
	o.Extra = raw
	return nil
}

// Fill is one execution report inside an order response.
type Fill struct {
	Price string         `json:"price"`
	Size  string         `json:"size"`
	Raw   map[string]any `json:"-"` // preserves unknown PnL-bearing fields
}

// UnmarshalJSON decodes the modeled price/size fields and also captures
// the full object into Raw so PnL-bearing fields under any historical
// key spelling survive for risk.ExtractRealizedPnL.
func (f *Fill) UnmarshalJSON(data []byte) error {
	type alias Fill
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Fill(a)
	f.Raw = raw
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Order book wire shapes
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book. Price and Size
// are strings (or may arrive as raw JSON numbers) to preserve precision; see
// internal/book for tuple/object-ladder parsing.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST response for GET /book: a full L2 snapshot.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp string       `json:"timestamp"`
}

// CancelResponse is the REST response for the order-cancellation endpoints.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled,omitempty"`
}

// Position is one open position entry from the venue's positions
// endpoint, used to rebuild the risk ledger's exposure map from the
// exchange's own view of the account. Historical responses spell these
// fields several different ways, so UnmarshalJSON accepts aliases and
// falls back to price*size when no notional field is present.
type Position struct {
	TokenID     string
	Horizon     string
	Direction   string
	NotionalUSD float64
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstFloat(raw map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case float64:
			return v, true
		case string:
			var f float64
			if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// UnmarshalJSON decodes token_id/tokenId, horizon, direction (default
// "BUY"), and notional/notional_usd, falling back to price*size.
func (p *Position) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.TokenID = firstString(raw, "token_id", "tokenId")
	p.Horizon = firstString(raw, "horizon")
	if p.Horizon == "" {
		p.Horizon = "unknown"
	}
	p.Direction = firstString(raw, "direction", "side")
	if p.Direction == "" {
		p.Direction = "BUY"
	}
	if notional, ok := firstFloat(raw, "notional", "notional_usd"); ok {
		p.NotionalUSD = notional
		return nil
	}
	price, hasPrice := firstFloat(raw, "price")
	size, hasSize := firstFloat(raw, "size")
	if hasPrice && hasSize {
		p.NotionalUSD = price * size
	}
	return nil
}

// PositionsResponse decodes the venue's positions endpoint, which may
// return either a bare JSON array of positions or an object with a
// "positions" array.
type PositionsResponse struct {
	Positions []Position
}

// UnmarshalJSON accepts a bare array or an object carrying a
// "positions" key.
func (r *PositionsResponse) UnmarshalJSON(data []byte) error {
	var arr []Position
	if err := json.Unmarshal(data, &arr); err == nil {
		r.Positions = arr
		return nil
	}
	var obj struct {
		Positions []Position `json:"positions"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.Positions = obj.Positions
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// User-channel WebSocket events (fills + order lifecycle)
// ————————————————————————————————————————————————————————————————————————

// WSTradeEvent is a fill notification from the user WS channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"`
	ID        string `json:"id"`
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
type WSOrderEvent struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Timestamp    string `json:"timestamp"`
	Type         string `json:"type"`
}

// WSAuth contains the L2 API credentials for authenticating the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSSubscribeMsg is the initial subscription message for a WS channel.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"`
	Markets  []string `json:"markets,omitempty"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSUpdateMsg dynamically subscribes/unsubscribes after the initial connect.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"`
}
