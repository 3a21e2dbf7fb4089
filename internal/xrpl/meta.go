package xrpl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// LPTokenDelta extracts how many LP tokens the account gained (deposit) or
// redeemed (withdrawal) from a transaction's settlement metadata. The ledger
// reports the post-transaction trust-line balance, so the delta is
// |FinalFields.Balance| - |PreviousFields.Balance| on the RippleState node for
// the AMM's LP token; a created line counts whole. The returned value is
// positive for a gain, negative for a redemption.
func LPTokenDelta(meta []byte, account, lpCurrency, lpIssuer string) (decimal.Decimal, error) {
	var m struct {
		AffectedNodes []struct {
			ModifiedNode *metaNode `json:"ModifiedNode"`
			CreatedNode  *metaNode `json:"CreatedNode"`
			DeletedNode  *metaNode `json:"DeletedNode"`
		} `json:"AffectedNodes"`
	}
	if err := json.Unmarshal(meta, &m); err != nil {
		return decimal.Zero, fmt.Errorf("parse tx metadata: %w", err)
	}

	for _, n := range m.AffectedNodes {
		switch {
		case n.ModifiedNode != nil:
			node := n.ModifiedNode
			if !node.isLPLine(account, lpCurrency, lpIssuer) {
				continue
			}
			final, err := node.FinalFields.balance()
			if err != nil {
				return decimal.Zero, err
			}
			prev, err := node.PreviousFields.balance()
			if err != nil {
				return decimal.Zero, err
			}
			return final.Abs().Sub(prev.Abs()), nil
		case n.CreatedNode != nil:
			node := n.CreatedNode
			if !node.isLPLine(account, lpCurrency, lpIssuer) {
				continue
			}
			bal, err := node.NewFields.balance()
			if err != nil {
				return decimal.Zero, err
			}
			return bal.Abs(), nil
		case n.DeletedNode != nil:
			node := n.DeletedNode
			if !node.isLPLine(account, lpCurrency, lpIssuer) {
				continue
			}
			prev, err := node.FinalFields.balance()
			if err != nil {
				return decimal.Zero, err
			}
			// line removed: the whole prior balance was redeemed
			return prev.Abs().Neg(), nil
		}
	}
	return decimal.Zero, fmt.Errorf("no LP trust line for %s.%s in metadata", lpCurrency, lpIssuer)
}

type metaNode struct {
	LedgerEntryType string     `json:"LedgerEntryType"`
	FinalFields     metaFields `json:"FinalFields"`
	PreviousFields  metaFields `json:"PreviousFields"`
	NewFields       metaFields `json:"NewFields"`
}

type metaFields struct {
	// Balance stays raw: AccountRoot nodes carry it as a drops string,
	// RippleState nodes as an issued-amount object. It is only decoded
	// once the node is known to be a trust line.
	Balance   json.RawMessage `json:"Balance"`
	HighLimit *rawAmount      `json:"HighLimit"`
	LowLimit  *rawAmount      `json:"LowLimit"`
}

func (f metaFields) lineBalance() (*rawAmount, error) {
	if len(f.Balance) == 0 || string(f.Balance) == "null" {
		return nil, nil
	}
	var amt rawAmount
	if err := json.Unmarshal(f.Balance, &amt); err != nil {
		return nil, fmt.Errorf("parse trust line balance: %w", err)
	}
	return &amt, nil
}

func (f metaFields) balance() (decimal.Decimal, error) {
	amt, err := f.lineBalance()
	if err != nil {
		return decimal.Zero, err
	}
	if amt == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(amt.Value)
}

// isLPLine reports whether this node is the account's trust line for the AMM
// LP token. Limits carry the two line endpoints; the balance carries the
// currency.
func (n *metaNode) isLPLine(account, lpCurrency, lpIssuer string) bool {
	if n.LedgerEntryType != "RippleState" {
		return false
	}
	fields := n.FinalFields
	bal, err := fields.lineBalance()
	if err == nil && bal == nil {
		fields = n.NewFields
		bal, err = fields.lineBalance()
	}
	if err != nil || bal == nil || !strings.EqualFold(bal.Currency, lpCurrency) {
		return false
	}
	endpoints := []string{}
	if fields.HighLimit != nil {
		endpoints = append(endpoints, fields.HighLimit.Issuer)
	}
	if fields.LowLimit != nil {
		endpoints = append(endpoints, fields.LowLimit.Issuer)
	}
	hasAccount, hasIssuer := false, false
	for _, e := range endpoints {
		if e == account {
			hasAccount = true
		}
		if e == lpIssuer {
			hasIssuer = true
		}
	}
	return hasAccount && hasIssuer
}
