package xrpl

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/retry"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
)

const (
	handshakeTimeout = 15 * time.Second
	readDeadline     = 90 * time.Second
	callTimeout      = 20 * time.Second
)

// Client speaks rippled's websocket JSON-RPC. One request id per call,
// responses are matched back by id in a single read loop.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger
	redial retry.Policy

	nextID atomic.Uint64

	mu   sync.Mutex // guards conn and writes
	conn *websocket.Conn

	pmu     sync.Mutex
	pending map[uint64]chan rpcReply
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

func NewClient(url string, log *zap.Logger) *Client {
	return &Client{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  handshakeTimeout,
			EnableCompression: true,
		},
		log:     log,
		redial:  retry.Default(),
		pending: make(map[uint64]chan rpcReply),
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	err := c.redial.Do(ctx, func(ctx context.Context) error {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readDeadline))
		})
		c.conn = conn
		return nil
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	go c.readLoop(c.conn)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.failPending(err)
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		var env struct {
			ID           uint64          `json:"id"`
			Status       string          `json:"status"`
			Result       json.RawMessage `json:"result"`
			Error        string          `json:"error"`
			ErrorMessage string          `json:"error_message"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.ID == 0 {
			continue // server-side stream noise
		}

		reply := rpcReply{result: env.Result}
		if env.Status != "success" {
			reply.err = mapLedgerError(env.Error, env.ErrorMessage)
		}
		c.dispatch(env.ID, reply)
	}
}

func (c *Client) dispatch(id uint64, r rpcReply) {
	c.pmu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pmu.Unlock()
	if ok {
		ch <- r
	}
}

func (c *Client) failPending(err error) {
	c.pmu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcReply{err: err}
	}
	c.pmu.Unlock()
}

// mapLedgerError translates rippled error codes into the engine's taxonomy.
func mapLedgerError(code, msg string) error {
	switch code {
	case "slowDown", "tooBusy", "rateLimited":
		return fmt.Errorf("%s: %w", code, ErrRateLimited)
	case "actNotFound", "entryNotFound", "objectNotFound":
		return fmt.Errorf("%s: %w", code, ErrNotFound)
	}
	if msg == "" {
		msg = code
	}
	return fmt.Errorf("ledger error %s: %s", code, msg)
}

func (c *Client) call(ctx context.Context, command string, params map[string]any, out any) error {
	if err := c.connect(ctx); err != nil {
		return err
	}

	id := c.nextID.Add(1)
	req := map[string]any{"id": id, "command": command}
	for k, v := range params {
		req[k] = v
	}

	ch := make(chan rpcReply, 1)
	c.pmu.Lock()
	c.pending[id] = ch
	c.pmu.Unlock()

	c.mu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = fmt.Errorf("connection lost before write")
	} else {
		err = conn.WriteJSON(req)
	}
	c.mu.Unlock()
	if err != nil {
		c.dispatch(id, rpcReply{}) // drop the registration
		return fmt.Errorf("%s: %w", command, err)
	}

	select {
	case <-ctx.Done():
		c.dispatch(id, rpcReply{})
		return ctx.Err()
	case <-time.After(callTimeout):
		c.dispatch(id, rpcReply{})
		return fmt.Errorf("%s: timed out", command)
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%s: %w", command, r.err)
		}
		if out != nil {
			if err := json.Unmarshal(r.result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", command, err)
			}
		}
		return nil
	}
}

// AMMInfo implements Ledger.
func (c *Client) AMMInfo(ctx context.Context, a, b types.Asset) (*AMMState, error) {
	var res struct {
		AMM struct {
			Account    string          `json:"account"`
			Amount     json.RawMessage `json:"amount"`
			Amount2    json.RawMessage `json:"amount2"`
			TradingFee uint32          `json:"trading_fee"`
			LPToken    json.RawMessage `json:"lp_token"`
		} `json:"amm"`
	}
	err := c.call(ctx, "amm_info", map[string]any{
		"asset":  assetSpec(a),
		"asset2": assetSpec(b),
	}, &res)
	if err != nil {
		return nil, err
	}

	st := &AMMState{Account: res.AMM.Account, TradingFee: res.AMM.TradingFee}
	if st.AmountA, err = ParseAmount(res.AMM.Amount); err != nil {
		return nil, fmt.Errorf("amm %s: %w", res.AMM.Account, err)
	}
	if st.AmountB, err = ParseAmount(res.AMM.Amount2); err != nil {
		return nil, fmt.Errorf("amm %s: %w", res.AMM.Account, err)
	}
	if st.LPToken, err = ParseAmount(res.AMM.LPToken); err != nil {
		return nil, fmt.Errorf("amm %s lp token: %w", res.AMM.Account, err)
	}
	return st, nil
}

// BookOffers implements Ledger.
func (c *Client) BookOffers(ctx context.Context, pays, gets types.Asset, limit int) ([]Offer, error) {
	if limit <= 0 {
		limit = 20
	}
	var res struct {
		Offers []struct {
			TakerGets json.RawMessage `json:"TakerGets"`
			TakerPays json.RawMessage `json:"TakerPays"`
		} `json:"offers"`
	}
	err := c.call(ctx, "book_offers", map[string]any{
		"taker_gets": assetSpec(gets),
		"taker_pays": assetSpec(pays),
		"limit":      limit,
	}, &res)
	if err != nil {
		return nil, err
	}

	offers := make([]Offer, 0, len(res.Offers))
	for _, o := range res.Offers {
		gets, err := ParseAmount(o.TakerGets)
		if err != nil {
			continue // malformed offer, skip
		}
		pays, err := ParseAmount(o.TakerPays)
		if err != nil {
			continue
		}
		offers = append(offers, Offer{TakerPays: pays, TakerGets: gets})
	}
	return offers, nil
}

// PathFind implements Ledger using the one-shot ripple_path_find form.
func (c *Client) PathFind(ctx context.Context, source string, in, out types.Asset, amountOut float64) (*PathQuote, error) {
	destAmt, err := MarshalAmount(Amount{Asset: out, Value: floatToDecimal(amountOut)})
	if err != nil {
		return nil, err
	}
	var res struct {
		Alternatives []struct {
			SourceAmount  json.RawMessage `json:"source_amount"`
			PathsComputed [][]any         `json:"paths_computed"`
		} `json:"alternatives"`
		DestinationAmount json.RawMessage `json:"destination_amount"`
	}
	err = c.call(ctx, "ripple_path_find", map[string]any{
		"source_account":      source,
		"destination_account": source,
		"destination_amount":  json.RawMessage(destAmt),
		"source_currencies":   []map[string]string{assetSpec(in)},
	}, &res)
	if err != nil {
		return nil, err
	}
	if len(res.Alternatives) == 0 {
		return nil, fmt.Errorf("path %s -> %s: %w", in, out, ErrNotFound)
	}

	best := (*PathQuote)(nil)
	for _, alt := range res.Alternatives {
		src, err := ParseAmount(alt.SourceAmount)
		if err != nil {
			continue
		}
		if !src.Asset.Equal(in) {
			continue
		}
		if best == nil || src.Value.LessThan(best.SourceAmount.Value) {
			best = &PathQuote{
				SourceAmount: src,
				DestAmount:   Amount{Asset: out, Value: floatToDecimal(amountOut)},
				PathCount:    len(alt.PathsComputed),
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("path %s -> %s: no alternative in source currency: %w", in, out, ErrNotFound)
	}
	return best, nil
}

// LedgerData implements Ledger, filtering the validated ledger to AMM entries.
func (c *Client) LedgerData(ctx context.Context, marker string) (*LedgerPage, error) {
	params := map[string]any{
		"ledger_index": "validated",
		"type":         "amm",
		"limit":        256,
	}
	if marker != "" {
		params["marker"] = marker
	}
	var res struct {
		State []struct {
			Account string `json:"Account"`
			Asset   struct {
				Currency string `json:"currency"`
				Issuer   string `json:"issuer"`
			} `json:"Asset"`
			Asset2 struct {
				Currency string `json:"currency"`
				Issuer   string `json:"issuer"`
			} `json:"Asset2"`
		} `json:"state"`
		Marker string `json:"marker"`
	}
	if err := c.call(ctx, "ledger_data", params, &res); err != nil {
		return nil, err
	}

	page := &LedgerPage{Marker: res.Marker}
	for _, e := range res.State {
		entry := PoolEntry{Account: e.Account}
		if e.Asset.Issuer == "" {
			entry.Asset = types.XRP()
		} else {
			entry.Asset = types.Issued(e.Asset.Currency, e.Asset.Issuer)
		}
		if e.Asset2.Issuer == "" {
			entry.Asset2 = types.XRP()
		} else {
			entry.Asset2 = types.Issued(e.Asset2.Currency, e.Asset2.Issuer)
		}
		page.Pools = append(page.Pools, entry)
	}
	return page, nil
}

// AccountLines implements Ledger.
func (c *Client) AccountLines(ctx context.Context, account string) ([]TrustLine, error) {
	var res struct {
		Lines []struct {
			Account  string `json:"account"`
			Currency string `json:"currency"`
			Balance  string `json:"balance"`
		} `json:"lines"`
	}
	err := c.call(ctx, "account_lines", map[string]any{"account": account}, &res)
	if err != nil {
		return nil, err
	}
	lines := make([]TrustLine, 0, len(res.Lines))
	for _, l := range res.Lines {
		bal, err := strconv.ParseFloat(l.Balance, 64)
		if err != nil {
			continue
		}
		lines = append(lines, TrustLine{Currency: l.Currency, Issuer: l.Account, Balance: bal})
	}
	return lines, nil
}

// XRPBalance implements Ledger.
func (c *Client) XRPBalance(ctx context.Context, account string) (float64, error) {
	var res struct {
		AccountData struct {
			Balance string `json:"Balance"`
		} `json:"account_data"`
	}
	err := c.call(ctx, "account_info", map[string]any{
		"account":      account,
		"ledger_index": "validated",
	}, &res)
	if err != nil {
		return 0, err
	}
	drops, err := strconv.ParseFloat(res.AccountData.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", res.AccountData.Balance, err)
	}
	return drops / 1e6, nil
}
