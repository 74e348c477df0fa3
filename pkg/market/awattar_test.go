package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spotswitch/spotswitch/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwattarGetDayAheadPrices(t *testing.T) {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("start"))
		assert.NotEmpty(t, r.URL.Query().Get("end"))
		w.Header().Set("Content-Type", "application/json")
		// 80 and 20 EUR/MWh, second entry deliberately out of order
		_, err := w.Write([]byte(`{"object":"list","data":[
			{"start_timestamp":1772413200000,"end_timestamp":1772416800000,"marketprice":20.0,"unit":"Eur/MWh"},
			{"start_timestamp":1772409600000,"end_timestamp":1772413200000,"marketprice":80.0,"unit":"Eur/MWh"}
		]}`))
		assert.NoError(t, err)
	}))
	defer srv.Close()

	a := &Awattar{apiURL: srv.URL, client: common.HTTPClient(5 * time.Second)}
	slots, err := a.GetDayAheadPrices(context.Background(), start, start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, slots, 2)

	// sorted chronologically and converted EUR/MWh -> cent/kWh at x0.1
	assert.Equal(t, time.UnixMilli(1772409600000).UTC(), slots[0].TSStart)
	assert.Equal(t, 8.0, slots[0].CentsPerKWH)
	assert.Equal(t, 2.0, slots[1].CentsPerKWH)
	assert.Equal(t, "awattar", slots[0].Feed)
	assert.Equal(t, time.Hour, slots[0].Duration())
}

func TestAwattarBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := &Awattar{apiURL: srv.URL, client: common.HTTPClient(5 * time.Second)}
	_, err := a.GetDayAheadPrices(context.Background(), time.Now(), time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestAwattarValidate(t *testing.T) {
	a := &Awattar{}
	require.Error(t, a.Validate())
	a.apiURL = "https://api.awattar.de/v1/marketdata"
	require.NoError(t, a.Validate())
}
