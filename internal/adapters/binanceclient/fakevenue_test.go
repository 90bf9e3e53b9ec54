package binanceclient

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// fakeVenue is a minimal in-process stand-in for the Binance spot REST API.
// It serves one pair, BTCUSDT, at a fixed book and keeps balances exactly.
type fakeVenue struct {
	t *testing.T

	mu       sync.Mutex
	free     map[string]decimal.Decimal
	locked   map[string]decimal.Decimal
	orders   map[int64]map[string]interface{}
	nextID   int64
	bid, ask decimal.Decimal
	last     decimal.Decimal
	requests map[string]int
}

func newFakeVenue(t *testing.T) (*fakeVenue, *httptest.Server) {
	t.Helper()
	v := &fakeVenue{
		t:        t,
		free:     map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)},
		locked:   map[string]decimal.Decimal{},
		orders:   map[int64]map[string]interface{}{},
		nextID:   1000,
		bid:      decimal.NewFromInt(49990),
		ask:      decimal.NewFromInt(50010),
		last:     decimal.NewFromInt(50000),
		requests: map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(v.serve))
	t.Cleanup(srv.Close)
	return v, srv
}

func (v *fakeVenue) count(path string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.requests[path]
}

// params merges the query string with a form body; DELETE bodies are not parsed by ParseForm.
func params(r *http.Request) url.Values {
	out := r.URL.Query()
	body, _ := io.ReadAll(r.Body)
	if form, err := url.ParseQuery(string(body)); err == nil {
		for k, vs := range form {
			out[k] = append(out[k], vs...)
		}
	}
	return out
}

func (v *fakeVenue) serve(w http.ResponseWriter, r *http.Request) {
	p := params(r)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests[r.URL.Path]++

	switch {
	case r.URL.Path == "/api/v3/ping":
		writeJSON(w, http.StatusOK, map[string]interface{}{})
	case r.URL.Path == "/api/v3/account":
		v.account(w)
	case r.URL.Path == "/api/v3/ticker/24hr":
		writeJSON(w, http.StatusOK, []map[string]interface{}{{
			"symbol":      p.Get("symbol"),
			"lastPrice":   v.last.String(),
			"bidPrice":    v.bid.String(),
			"askPrice":    v.ask.String(),
			"quoteVolume": "123456789.5",
			"closeTime":   time.Now().UnixMilli(),
		}})
	case r.URL.Path == "/api/v3/klines":
		v.klines(w, p)
	case r.URL.Path == "/api/v3/exchangeInfo":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"symbols": []map[string]interface{}{{
				"symbol":     "BTCUSDT",
				"status":     "TRADING",
				"baseAsset":  "BTC",
				"quoteAsset": "USDT",
				"filters": []map[string]interface{}{
					{"filterType": "LOT_SIZE", "minQty": "0.00001", "maxQty": "9000", "stepSize": "0.00001"},
					{"filterType": "PRICE_FILTER", "minPrice": "0.01", "maxPrice": "1000000", "tickSize": "0.01"},
				},
			}},
		})
	case r.URL.Path == "/api/v3/order" && r.Method == http.MethodPost:
		v.createOrder(w, p)
	case r.URL.Path == "/api/v3/order" && r.Method == http.MethodGet:
		id, _ := strconv.ParseInt(p.Get("orderId"), 10, 64)
		o, ok := v.orders[id]
		if !ok {
			apiError(w, -2013, "Order does not exist.")
			return
		}
		writeJSON(w, http.StatusOK, o)
	case r.URL.Path == "/api/v3/order" && r.Method == http.MethodDelete:
		v.cancelOrder(w, p)
	default:
		v.t.Errorf("fake venue: unexpected %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (v *fakeVenue) account(w http.ResponseWriter) {
	var balances []map[string]string
	for _, asset := range []string{"BTC", "USDT"} {
		balances = append(balances, map[string]string{
			"asset":  asset,
			"free":   v.free[asset].String(),
			"locked": v.locked[asset].String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"canTrade": true, "balances": balances})
}

var intervals = map[string]time.Duration{"1h": time.Hour, "4h": 4 * time.Hour}

func (v *fakeVenue) klines(w http.ResponseWriter, p url.Values) {
	step := intervals[p.Get("interval")]
	limit, _ := strconv.Atoi(p.Get("limit"))
	if limit <= 0 {
		limit = 500
	}

	var start, end time.Time
	if ms, err := strconv.ParseInt(p.Get("endTime"), 10, 64); err == nil {
		end = time.UnixMilli(ms)
	} else {
		end = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	}
	if ms, err := strconv.ParseInt(p.Get("startTime"), 10, 64); err == nil {
		start = time.UnixMilli(ms)
	} else {
		start = end.Add(-time.Duration(limit-1) * step)
	}

	var rows [][]interface{}
	for open := start; !open.After(end) && len(rows) < limit; open = open.Add(step) {
		price := 50000 + float64(len(rows))*10
		rows = append(rows, []interface{}{
			open.UnixMilli(),
			strconv.FormatFloat(price, 'f', 2, 64),
			strconv.FormatFloat(price+50, 'f', 2, 64),
			strconv.FormatFloat(price-50, 'f', 2, 64),
			strconv.FormatFloat(price+10, 'f', 2, 64),
			"12.5",
			open.Add(step).UnixMilli() - 1,
			"625000.0",
			100,
			"6.0",
			"300000.0",
			"0",
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (v *fakeVenue) createOrder(w http.ResponseWriter, p url.Values) {
	qty, err := decimal.NewFromString(p.Get("quantity"))
	if err != nil || !qty.IsPositive() {
		apiError(w, -1013, "Invalid quantity.")
		return
	}
	side, typ := p.Get("side"), p.Get("type")

	v.nextID++
	id := v.nextID
	order := map[string]interface{}{
		"symbol":              p.Get("symbol"),
		"orderId":             id,
		"clientOrderId":       "fake-" + strconv.FormatInt(id, 10),
		"transactTime":        time.Now().UnixMilli(),
		"price":               p.Get("price"),
		"origQty":             qty.String(),
		"type":                typ,
		"side":                side,
		"stopPrice":           p.Get("stopPrice"),
		"timeInForce":         p.Get("timeInForce"),
		"updateTime":          time.Now().UnixMilli(),
		"executedQty":         "0",
		"cummulativeQuoteQty": "0",
	}

	switch typ {
	case "MARKET":
		price := v.ask
		if side == "SELL" {
			price = v.bid
		}
		notional := qty.Mul(price)
		fee := notional.Mul(decimal.New(1, -3))
		if side == "BUY" {
			if v.free["USDT"].LessThan(notional.Add(fee)) {
				apiError(w, -2010, "Account has insufficient balance for requested action.")
				return
			}
			v.free["USDT"] = v.free["USDT"].Sub(notional.Add(fee))
			v.free["BTC"] = v.free["BTC"].Add(qty)
		} else {
			if v.free["BTC"].LessThan(qty) {
				apiError(w, -2010, "Account has insufficient balance for requested action.")
				return
			}
			v.free["BTC"] = v.free["BTC"].Sub(qty)
			v.free["USDT"] = v.free["USDT"].Add(notional.Sub(fee))
		}
		order["status"] = "FILLED"
		order["executedQty"] = qty.String()
		order["cummulativeQuoteQty"] = notional.String()
		order["fills"] = []map[string]interface{}{{
			"price":           price.String(),
			"qty":             qty.String(),
			"commission":      fee.String(),
			"commissionAsset": "USDT",
			"tradeId":         id,
		}}
	case "STOP_LOSS_LIMIT":
		if v.free["BTC"].LessThan(qty) {
			apiError(w, -2010, "Account has insufficient balance for requested action.")
			return
		}
		v.free["BTC"] = v.free["BTC"].Sub(qty)
		v.locked["BTC"] = v.locked["BTC"].Add(qty)
		order["status"] = "NEW"
	default:
		apiError(w, -1116, "Invalid orderType.")
		return
	}

	v.orders[id] = order
	writeJSON(w, http.StatusOK, order)
}

func (v *fakeVenue) cancelOrder(w http.ResponseWriter, p url.Values) {
	id, _ := strconv.ParseInt(p.Get("orderId"), 10, 64)
	o, ok := v.orders[id]
	if !ok || o["status"] != "NEW" {
		apiError(w, -2011, "Unknown order sent.")
		return
	}
	qty, _ := decimal.NewFromString(o["origQty"].(string))
	v.locked["BTC"] = v.locked["BTC"].Sub(qty)
	v.free["BTC"] = v.free["BTC"].Add(qty)
	o["status"] = "CANCELED"
	o["updateTime"] = time.Now().UnixMilli()
	writeJSON(w, http.StatusOK, o)
}

func apiError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": code, "msg": msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
