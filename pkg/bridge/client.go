// Package bridge is a Go client for the MT5 bridge HTTP API.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a running bridge server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL that authenticates with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge: %d %s", e.StatusCode, e.Message)
}

// Health is the /health payload.
type Health struct {
	Status    string `json:"status"`
	Connected bool   `json:"mt5_connected"`
	Terminal  string `json:"terminal"`
	Account   *int64 `json:"account"`
	Database  string `json:"database,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Account is a stored trading account.
type Account struct {
	ID        string  `json:"id"`
	Login     int64   `json:"login"`
	Server    string  `json:"server"`
	Broker    string  `json:"broker,omitempty"`
	Name      string  `json:"account_name"`
	Type      string  `json:"account_type"`
	IsDefault bool    `json:"is_default"`
	Balance   float64 `json:"balance"`
	Equity    float64 `json:"equity"`
	Currency  string  `json:"currency,omitempty"`
}

// ConnectRequest adds an account.
type ConnectRequest struct {
	Login        int64  `json:"login"`
	Password     string `json:"password"`
	Server       string `json:"server"`
	Name         string `json:"account_name,omitempty"`
	Type         string `json:"account_type,omitempty"`
	SetAsDefault *bool  `json:"set_as_default,omitempty"`
}

// AccountInfo is the terminal's live view of the active account.
type AccountInfo struct {
	Login       int64   `json:"login"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Profit      float64 `json:"profit"`
	Server      string  `json:"server"`
	Currency    string  `json:"currency"`
	Leverage    int64   `json:"leverage"`
}

// Order is a market order. Zero StopLoss or TakeProfit leaves it unset.
type Order struct {
	Symbol     string   `json:"symbol"`
	Side       string   `json:"order_type"`
	Volume     float64  `json:"volume"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
}

// Fill is the result of a placed order.
type Fill struct {
	Success bool    `json:"success"`
	Ticket  int64   `json:"ticket"`
	Price   float64 `json:"price"`
	Volume  float64 `json:"volume"`
	Symbol  string  `json:"symbol"`
	Type    string  `json:"type"`
	Filling string  `json:"filling_mode"`
}

// Position is an open position.
type Position struct {
	Ticket       int64    `json:"ticket"`
	Symbol       string   `json:"symbol"`
	Type         string   `json:"type"`
	Volume       float64  `json:"volume"`
	PriceOpen    float64  `json:"price_open"`
	PriceCurrent float64  `json:"price_current"`
	Profit       float64  `json:"profit"`
	SL           *float64 `json:"sl"`
	TP           *float64 `json:"tp"`
	Magic        int64    `json:"magic"`
}

// Closed is the result of closing a position.
type Closed struct {
	Success      bool    `json:"success"`
	ClosedTicket int64   `json:"closed_ticket"`
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Volume       float64 `json:"volume"`
	Profit       float64 `json:"profit"`
}

// Bar is one candle; Time is in unix seconds.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Health reports server and terminal status. It does not need a token.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Accounts lists the caller's accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// Connect verifies and stores an account.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (*Account, error) {
	var a Account
	if err := c.do(ctx, http.MethodPost, "/api/v1/accounts/connect", req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Switch makes the account with id the caller's active account.
func (c *Client) Switch(ctx context.Context, id string) (*Account, error) {
	var resp struct {
		Account Account `json:"account"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/accounts/"+url.PathEscape(id)+"/switch", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Account, nil
}

// AccountInfo returns balances of the active account.
func (c *Client) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/account/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PlaceOrder submits a market order on the active account.
func (c *Client) PlaceOrder(ctx context.Context, o Order) (*Fill, error) {
	var f Fill
	if err := c.do(ctx, http.MethodPost, "/api/v1/trades", o, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Positions lists open positions on the active account.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var resp struct {
		Positions []Position `json:"positions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// ClosePosition closes a position by ticket.
func (c *Client) ClosePosition(ctx context.Context, ticket int64) (*Closed, error) {
	var cl Closed
	if err := c.do(ctx, http.MethodDelete, "/api/v1/positions/"+strconv.FormatInt(ticket, 10), nil, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

// Bars returns the latest count bars of symbol for timeframe (e.g. "H1").
func (c *Client) Bars(ctx context.Context, symbol, timeframe string, count int) ([]Bar, error) {
	q := url.Values{}
	if timeframe != "" {
		q.Set("timeframe", timeframe)
	}
	if count > 0 {
		q.Set("bars", strconv.Itoa(count))
	}
	path := "/api/v1/market-data/" + url.PathEscape(symbol)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Data []Bar `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
