package csvimport

import (
	"context"
	"iter"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
)

// Adapter registers the csv platform. CSV connections are fed by uploads,
// so there is nothing to validate and nothing to poll.
type Adapter struct{}

func (Adapter) Platform() domain.Platform { return domain.PlatformCSV }

func (Adapter) Validate(context.Context, domain.Credentials) error { return nil }

func (Adapter) FetchTrades(context.Context, domain.Credentials, string, *time.Time) iter.Seq2[domain.RawTrade, error] {
	return provider.Empty()
}
