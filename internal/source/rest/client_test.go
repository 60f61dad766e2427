package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/operations-engine/internal/connection"
	"github.com/atmx/operations-engine/internal/model"
	"github.com/atmx/operations-engine/internal/normalize"
	"github.com/atmx/operations-engine/internal/source"
)

func TestFetchPage_QueryAndDecoding(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/operations", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "2024-01-01T00:00:00Z", q.Get("from"))
		assert.Equal(t, "2024-01-31T23:59:59Z", q.Get("to"))
		assert.Equal(t, "3", q.Get("page"))
		assert.Equal(t, "50", q.Get("page_size"))
		assert.Equal(t, DefaultOperationState, q.Get("state"))
		assert.False(t, q.Has("account_id"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"operations":[
			{"id":"op-1","date":"2024-01-05T10:00:00Z","operation_type":"OPERATION_TYPE_BUY",
			 "instrument_id":"BBG000B9XRY4","quantity":"3","price":{"units":"182","nano":500000000,"currency":"usd"},
			 "payment":{"units":"-547","nano":-500000000,"currency":"usd"},"state":"OPERATION_STATE_EXECUTED"},
			{"id":"op-2","date":"not a date","operation_type":"OPERATION_TYPE_INPUT","payment":1000.25,"currency":"RUB"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	ops, err := c.FetchPage(context.Background(), from, to, 3, 50)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.Equal(t, "op-1", ops[0].ID)
	assert.Equal(t, time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC), ops[0].Date)
	assert.True(t, decimal.RequireFromString("182.5").Equal(ops[0].Price))
	assert.True(t, decimal.RequireFromString("-547.5").Equal(ops[0].Payment))
	assert.True(t, decimal.NewFromInt(3).Equal(ops[0].Quantity))
	assert.Equal(t, "usd", ops[0].Currency, "currency taken from the payment quotation")

	assert.True(t, ops[1].Date.IsZero(), "bad dates are left for the normalizer to reject")
	assert.True(t, decimal.RequireFromString("1000.25").Equal(ops[1].Payment))
	assert.Equal(t, "RUB", ops[1].Currency)
}

func TestFetchPage_UndecodableRecordIsDroppedByNormalizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"operations":[
			{"id":"good","date":"2024-01-05T10:00:00Z","operation_type":"OPERATION_TYPE_INPUT","payment":"100","currency":"RUB"},
			{"id":"bad","date":"2024-01-05T11:00:00Z","operation_type":"OPERATION_TYPE_INPUT","payment":"n/a","currency":"RUB"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	raws, err := c.FetchPage(context.Background(), time.Now(), time.Now(), 1, 10)
	require.NoError(t, err, "one bad record must not fail the page")
	require.Len(t, raws, 2)
	assert.True(t, decimal.NewFromInt(100).Equal(raws[0].Payment))
	assert.Equal(t, "bad", raws[1].ID)
	assert.True(t, raws[1].Date.IsZero())

	var committed int
	res, err := normalize.New(normalize.Options{ChunkYield: -1}).Normalize(context.Background(), raws, nil,
		func(batch []model.Operation) { committed += len(batch) })
	require.NoError(t, err)
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, res.Dropped)
}

func TestFetchPage_AccountPinnedForCycle(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts":
			w.Write([]byte(`{"accounts":[{"id":"acc-1"},{"id":"acc-2"}]}`))
		case "/operations":
			mu.Lock()
			seen = append(seen, r.URL.Query().Get("page")+":"+r.URL.Query().Get("account_id"))
			mu.Unlock()
			w.Write([]byte(`{"operations":[]}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	require.NoError(t, c.Connect(context.Background()))
	ctx := context.Background()

	_, err := c.FetchPage(ctx, time.Now(), time.Now(), 1, 10)
	require.NoError(t, err)
	require.NoError(t, c.SelectAccount(ctx, "acc-2"))
	_, err = c.FetchPage(ctx, time.Now(), time.Now(), 2, 10)
	require.NoError(t, err)
	_, err = c.FetchPage(ctx, time.Now(), time.Now(), 1, 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"1:acc-1", "2:acc-1", "1:acc-2"}, seen)
	assert.ErrorIs(t, c.SelectAccount(ctx, "acc-9"), source.ErrUnknownAccount)
	assert.Equal(t, "acc-2", c.SelectedAccount())
}

func TestFetchPage_AllStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("state"))
		w.Write([]byte(`{"operations":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil, WithOperationState(""))
	_, err := c.FetchPage(context.Background(), time.Now(), time.Now(), 1, 10)
	require.NoError(t, err)
}

func TestAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accounts":[
			{"id":"2000","type":"ACCOUNT_TYPE_TINKOFF","name":"Main","status":"ACCOUNT_STATUS_OPEN","opened_date":"2021-03-01T00:00:00Z"},
			{"id":"2001","type":"ACCOUNT_TYPE_NEW_KIND","status":"ACCOUNT_STATUS_CLOSED"}
		]}`))
	}))
	defer srv.Close()

	accounts, err := NewClient(srv.URL, "secret", nil).Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, model.Account{
		ID:       "2000",
		Type:     "Brokerage",
		Name:     "Main",
		Status:   "Open",
		OpenedAt: time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC),
	}, accounts[0])
	assert.Equal(t, "ACCOUNT_TYPE_NEW_KIND", accounts[1].Type)
	assert.Equal(t, "Closed", accounts[1].Status)
}

func TestConnect_NoAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accounts":[]}`))
	}))
	defer srv.Close()

	state := connection.NewState(nil)
	state.Set(true)
	c := NewClient(srv.URL, "secret", state)
	assert.ErrorIs(t, c.Connect(context.Background()), source.ErrNoAccounts)
	assert.False(t, state.Connected())
}

func TestPortfolio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts":
			w.Write([]byte(`{"accounts":[{"id":"acc-1"}]}`))
		case "/portfolio":
			assert.Equal(t, "acc-1", r.URL.Query().Get("account_id"))
			w.Write([]byte(`{
				"positions":[
					{"instrument_id":"BBG000B9XRY4","instrument_type":"share","quantity":{"units":"4","nano":0},
					 "average_position_price":{"units":"170","nano":0,"currency":"usd"},
					 "current_price":{"units":"182","nano":500000000,"currency":"usd"},
					 "expected_yield":{"units":"50","nano":0}},
					{"instrument_id":"RUB000UTSTOM","instrument_type":"currency","quantity":"1500.5","current_price":"1"}
				]}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	require.NoError(t, c.Connect(context.Background()))

	p, err := c.Portfolio(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acc-1", p.AccountID)
	require.Len(t, p.Positions, 2)

	pos := p.Positions[0]
	assert.Equal(t, "BBG000B9XRY4", pos.InstrumentID)
	assert.Equal(t, "usd", pos.Currency)
	assert.True(t, decimal.NewFromInt(4).Equal(pos.Quantity))
	assert.True(t, decimal.NewFromInt(170).Equal(pos.AveragePrice))
	assert.True(t, decimal.NewFromInt(730).Equal(pos.Value), pos.Value.String())

	assert.True(t, decimal.RequireFromString("2230.5").Equal(p.TotalValue), p.TotalValue.String())
	assert.True(t, decimal.NewFromInt(50).Equal(p.ExpectedYield))
}

func TestPortfolio_ReportedTotalsWin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total_amount_portfolio":{"units":"10000","nano":0,"currency":"rub"},
			"expected_yield":"-12.5","positions":[]}`))
	}))
	defer srv.Close()

	p, err := NewClient(srv.URL, "secret", nil).Portfolio(context.Background())
	require.NoError(t, err)
	assert.Empty(t, p.Positions)
	assert.Equal(t, "rub", p.Currency)
	assert.True(t, decimal.NewFromInt(10000).Equal(p.TotalValue))
	assert.True(t, decimal.RequireFromString("-12.5").Equal(p.ExpectedYield))
}

func TestFetchPage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	_, err := c.FetchPage(context.Background(), time.Now(), time.Now(), 1, 10)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}

func TestFetchPage_HonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.FetchPage(ctx, time.Now(), time.Now(), 1, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnect_UpdatesState(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts", r.URL.Path)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"accounts": []map[string]string{{"id": "acc-1"}}})
	}))
	defer srv.Close()

	state := connection.NewState(nil)
	c := NewClient(srv.URL, "secret", state)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, state.Connected())
	assert.True(t, c.IsAvailable())
	assert.Equal(t, "acc-1", c.SelectedAccount(), "first account selected by default")

	status = http.StatusUnauthorized
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, c.IsAvailable())
}

func TestConnect_NoToken(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "", nil)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrNoToken)
	assert.False(t, c.IsAvailable())
}

func TestDisconnect(t *testing.T) {
	state := connection.NewState(nil)
	state.Set(true)
	c := NewClient("http://example.invalid", "secret", state)

	c.Disconnect()
	assert.False(t, state.Connected())
}

func TestResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments/BBG000B9XRY4", r.URL.Path)
		w.Write([]byte(`{"ticker":"AAPL","name":"Apple Inc.","instrument_type":"share"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	inst, err := c.Resolve(context.Background(), "BBG000B9XRY4")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", inst.Symbol)
	assert.Equal(t, "Apple Inc.", inst.Name)
	assert.Equal(t, "share", inst.Type)
}

func TestMoney_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"12.34"`, "12.34"},
		{`12.34`, "12.34"},
		{`null`, "0"},
		{`{"units":"5","nano":10000000}`, "5.01"},
		{`{"units":-1,"nano":-250000000}`, "-1.25"},
		{`{"nano":1}`, "0.000000001"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var m Money
			require.NoError(t, json.Unmarshal([]byte(tt.in), &m))
			assert.True(t, decimal.RequireFromString(tt.want).Equal(m.Decimal), "got %s", m.Decimal)
		})
	}

	var m Money
	assert.Error(t, json.Unmarshal([]byte(`{"units":"abc"}`), &m))
}
