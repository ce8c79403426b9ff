package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8000/", "tok")
	if c.baseURL != "http://localhost:8000" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
	if c.httpClient == nil || c.httpClient.Timeout == 0 {
		t.Fatal("expected an http client with a timeout")
	}
}

func TestPlaceOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/trades" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var o Order
		json.NewDecoder(r.Body).Decode(&o)
		if o.Symbol != "EURUSD" || o.Side != "buy" || o.StopLoss != nil {
			t.Errorf("order = %+v", o)
		}
		json.NewEncoder(w).Encode(Fill{Success: true, Ticket: 42, Price: 1.1, Volume: o.Volume, Symbol: o.Symbol, Type: o.Side})
	}))
	defer srv.Close()

	fill, err := NewClient(srv.URL, "tok").PlaceOrder(context.Background(), Order{Symbol: "EURUSD", Side: "buy", Volume: 0.1})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if fill.Ticket != 42 || fill.Volume != 0.1 {
		t.Errorf("fill = %+v", fill)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"No MT5 account connected."}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok").Positions(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "No MT5 account connected." {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestBarsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/market-data/EURUSD" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("timeframe") != "M5" || r.URL.Query().Get("bars") != "3" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"symbol":"EURUSD","count":3,"data":[{"time":1},{"time":2},{"time":3}]}`))
	}))
	defer srv.Close()

	bars, err := NewClient(srv.URL, "").Bars(context.Background(), "EURUSD", "M5", 3)
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 3 || bars[2].Time != 3 {
		t.Errorf("bars = %+v", bars)
	}
}

func TestSwitch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/accounts/acc-1/switch" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"success":true,"account":{"id":"acc-1","login":5001,"server":"Broker-Demo"},"account_info":{"login":5001}}`))
	}))
	defer srv.Close()

	acct, err := NewClient(srv.URL, "tok").Switch(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if acct.ID != "acc-1" || acct.Login != 5001 {
		t.Errorf("account = %+v", acct)
	}
}
