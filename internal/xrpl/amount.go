package xrpl

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
)

var dropsPerXRP = decimal.NewFromInt(1_000_000)

// Amount is a parsed ledger amount: native XRP or an issued token value.
type Amount struct {
	Asset types.Asset
	Value decimal.Decimal
}

// NewAmount builds an Amount from a float value.
func NewAmount(a types.Asset, v float64) Amount {
	return Amount{Asset: a, Value: decimal.NewFromFloat(v)}
}

func (a Amount) Float() float64 { f, _ := a.Value.Float64(); return f }

func (a Amount) IsZero() bool { return a.Value.IsZero() }

// rawAmount is the loosely-typed wire shape: a bare string means XRP drops,
// an object means an issued token. Parsed once here, never re-branched on
// downstream.
type rawAmount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

// ParseAmount decodes either wire form into a tagged Amount.
func ParseAmount(raw json.RawMessage) (Amount, error) {
	if len(raw) == 0 {
		return Amount{}, fmt.Errorf("empty amount")
	}
	if raw[0] == '"' {
		var drops string
		if err := json.Unmarshal(raw, &drops); err != nil {
			return Amount{}, fmt.Errorf("parse drops: %w", err)
		}
		d, err := decimal.NewFromString(drops)
		if err != nil {
			return Amount{}, fmt.Errorf("parse drops %q: %w", drops, err)
		}
		return Amount{Asset: types.XRP(), Value: d.Div(dropsPerXRP)}, nil
	}
	var ra rawAmount
	if err := json.Unmarshal(raw, &ra); err != nil {
		return Amount{}, fmt.Errorf("parse issued amount: %w", err)
	}
	if ra.Currency == "" || ra.Currency == "XRP" {
		return Amount{}, fmt.Errorf("issued amount without currency")
	}
	if ra.Issuer == "" {
		return Amount{}, fmt.Errorf("issued amount %s without issuer", ra.Currency)
	}
	v, err := decimal.NewFromString(ra.Value)
	if err != nil {
		return Amount{}, fmt.Errorf("parse issued value %q: %w", ra.Value, err)
	}
	return Amount{Asset: types.Issued(ra.Currency, ra.Issuer), Value: v}, nil
}

// MarshalAmount encodes an Amount back into its wire form.
func MarshalAmount(a Amount) (json.RawMessage, error) {
	if a.Asset.IsNative() {
		drops := a.Value.Mul(dropsPerXRP).Truncate(0).String()
		return json.Marshal(drops)
	}
	return json.Marshal(rawAmount{
		Currency: a.Asset.Currency,
		Issuer:   a.Asset.Issuer,
		Value:    a.Value.String(),
	})
}

func floatToDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// assetSpec is the {currency, issuer} form used in amm_info and book_offers
// requests.
func assetSpec(a types.Asset) map[string]string {
	if a.IsNative() {
		return map[string]string{"currency": "XRP"}
	}
	return map[string]string{"currency": a.Currency, "issuer": a.Issuer}
}
