package market

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/spotswitch/spotswitch/pkg/types"
)

// Provider defines the interface for fetching day-ahead market prices.
// Implementations return slots already converted to cent/kWh (raw market
// EUR/MWh times 0.1) so the scheduler never sees market-native units.
type Provider interface {
	// Source returns the feed-source name slots are stored under.
	Source() string

	// GetDayAheadPrices returns the published slots intersecting [start, end).
	GetDayAheadPrices(ctx context.Context, start, end time.Time) ([]types.PriceSlot, error)
}

// Configured sets up the market provider based on flags.
func Configured() Provider {
	provider := lflag.String("market-provider", "awattar", "Market data provider to use (available: awattar)")

	var p struct{ Provider }

	aw := configuredAwattar()

	lflag.Do(func() {
		switch *provider {
		case "awattar":
			if err := aw.Validate(); err != nil {
				panic(fmt.Sprintf("awattar validation failed: %v", err))
			}
			p.Provider = aw
		default:
			panic(fmt.Sprintf("unknown market provider: %s", *provider))
		}
	})

	return &p
}
