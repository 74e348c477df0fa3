package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/spotswitch/spotswitch/pkg/common"
	"github.com/spotswitch/spotswitch/pkg/log"
	"github.com/spotswitch/spotswitch/pkg/types"
)

const awattarSource = "awattar"

// the aWATTar marketdata API quotes day-ahead prices in EUR/MWh; the fixed
// scale to cent/kWh is ×0.1
const eurPerMWHToCentPerKWH = 0.1

// Awattar implements the Provider interface for the aWATTar day-ahead
// marketdata API.
type Awattar struct {
	apiURL string
	client *http.Client
}

// configuredAwattar sets up flags for aWATTar and returns the instance.
func configuredAwattar() *Awattar {
	a := &Awattar{
		client: common.HTTPClient(15 * time.Second),
	}
	apiURL := lflag.String("awattar-api-url", "https://api.awattar.de/v1/marketdata", "URL for the aWATTar marketdata API")

	lflag.Do(func() {
		a.apiURL = *apiURL
	})

	return a
}

// Validate ensures the configuration is valid.
func (a *Awattar) Validate() error {
	if a.apiURL == "" {
		return fmt.Errorf("awattar-api-url is required")
	}
	if _, err := url.Parse(a.apiURL); err != nil {
		return fmt.Errorf("failed to parse awattar url (%s): %w", a.apiURL, err)
	}
	return nil
}

// Source implements Provider.
func (a *Awattar) Source() string { return awattarSource }

type awattarEntry struct {
	StartTimestamp int64   `json:"start_timestamp"`
	EndTimestamp   int64   `json:"end_timestamp"`
	Marketprice    float64 `json:"marketprice"`
	Unit           string  `json:"unit"`
}

type awattarResponse struct {
	Data []awattarEntry `json:"data"`
}

// GetDayAheadPrices retrieves the published slots intersecting [start, end),
// converted to cent/kWh.
func (a *Awattar) GetDayAheadPrices(ctx context.Context, start, end time.Time) ([]types.PriceSlot, error) {
	u, err := url.Parse(a.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}

	params := url.Values{}
	params.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from awattar", "url", u.String())

	resp, err := a.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch prices", "error", err)
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("awattar api returned status: %d", resp.StatusCode)
	}

	var data awattarResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	slots := make([]types.PriceSlot, 0, len(data.Data))
	for _, item := range data.Data {
		if item.Unit != "" && item.Unit != "Eur/MWh" {
			log.Ctx(ctx).WarnContext(ctx, "unexpected awattar price unit", slog.String("unit", item.Unit))
			continue
		}
		slots = append(slots, types.PriceSlot{
			Feed:        awattarSource,
			TSStart:     time.UnixMilli(item.StartTimestamp).UTC(),
			TSEnd:       time.UnixMilli(item.EndTimestamp).UTC(),
			CentsPerKWH: item.Marketprice * eurPerMWHToCentPerKWH,
		})
	}

	sort.Slice(slots, func(i, j int) bool {
		return slots[i].TSStart.Before(slots[j].TSStart)
	})

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched awattar prices",
		slog.Int("count", len(slots)),
		slog.String("start", start.Format(time.RFC3339)),
		slog.String("end", end.Format(time.RFC3339)),
	)
	return slots, nil
}
