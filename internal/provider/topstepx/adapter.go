// Package topstepx reads fills from the ProjectX gateway that backs TopstepX
// and pairs them into round trips.
package topstepx

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
)

const (
	DefaultBaseURL = "https://api.topstepx.com"
	// pairingLookback widens the fetch before the watermark so closing
	// fills find the fills that opened them.
	pairingLookback = 7 * 24 * time.Hour
)

// Adapter implements provider.Adapter for TopstepX accounts.
type Adapter struct {
	http     *provider.HTTPClient
	backfill time.Duration
	now      func() time.Time
}

func New(baseURL string, hc *http.Client, backfill time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if backfill <= 0 {
		backfill = 90 * 24 * time.Hour
	}
	return &Adapter{
		http:     provider.NewHTTPClient(domain.PlatformTopstepX, baseURL, hc),
		backfill: backfill,
		now:      time.Now,
	}
}

func (a *Adapter) Platform() domain.Platform { return domain.PlatformTopstepX }

// SetThrottle gates every API request through t.
func (a *Adapter) SetThrottle(t provider.Throttle) { a.http.SetThrottle(t) }

type envelope struct {
	Success      bool    `json:"success"`
	ErrorCode    int     `json:"errorCode"`
	ErrorMessage *string `json:"errorMessage"`
}

func (e envelope) err(op string) error {
	if e.Success {
		return nil
	}
	return fmt.Errorf("topstepx: %s: error code %d", op, e.ErrorCode)
}

// login exchanges the key pair for a session token. ProjectX calls the
// user name field userName and the key apiKey; they are stored as api_key
// and api_secret.
func (a *Adapter) login(ctx context.Context, creds domain.Credentials) (string, error) {
	var resp struct {
		envelope
		Token string `json:"token"`
	}
	if err := a.http.Do(ctx, provider.Request{
		Method: http.MethodPost,
		Path:   "/api/Auth/loginKey",
		Body:   map[string]string{"userName": creds["api_key"], "apiKey": creds["api_secret"]},
		Op:     "login",
	}, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.Token == "" {
		return "", &domain.CredentialError{
			Platform: domain.PlatformTopstepX,
			Reason:   "login rejected (error code " + strconv.Itoa(resp.ErrorCode) + ")",
		}
	}
	return resp.Token, nil
}

func (a *Adapter) Validate(ctx context.Context, creds domain.Credentials) error {
	if err := provider.CheckCredentials(domain.PlatformTopstepX, creds); err != nil {
		return err
	}
	_, err := a.login(ctx, creds)
	return err
}

type tradeRecord struct {
	ID                int64    `json:"id"`
	AccountID         int64    `json:"accountId"`
	ContractID        string   `json:"contractId"`
	CreationTimestamp string   `json:"creationTimestamp"`
	Price             float64  `json:"price"`
	ProfitAndLoss     *float64 `json:"profitAndLoss"`
	Fees              float64  `json:"fees"`
	Side              int      `json:"side"`
	Size              float64  `json:"size"`
	Voided            bool     `json:"voided"`
	OrderID           int64    `json:"orderId"`
}

// FetchTrades searches fills from the watermark (less a pairing lookback),
// pairs them FIFO per contract and reports trades at or after the watermark.
func (a *Adapter) FetchTrades(ctx context.Context, creds domain.Credentials, account string, since *time.Time) iter.Seq2[domain.RawTrade, error] {
	return func(yield func(domain.RawTrade, error) bool) {
		if err := provider.CheckCredentials(domain.PlatformTopstepX, creds); err != nil {
			yield(domain.RawTrade{}, err)
			return
		}
		trades, err := a.fetch(ctx, creds, account, since)
		if err != nil {
			yield(domain.RawTrade{}, err)
			return
		}
		for _, t := range trades {
			if !provider.Since(t, since) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (a *Adapter) fetch(ctx context.Context, creds domain.Credentials, account string, since *time.Time) ([]domain.RawTrade, error) {
	token, err := a.login(ctx, creds)
	if err != nil {
		return nil, err
	}
	auth := http.Header{"Authorization": {"Bearer " + token}}

	accountID, err := a.resolveAccount(ctx, auth, account)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	from := now.Add(-a.backfill)
	if since != nil {
		from = since.UTC().Add(-pairingLookback)
	}
	var resp struct {
		envelope
		Trades []tradeRecord `json:"trades"`
	}
	if err := a.http.Do(ctx, provider.Request{
		Method: http.MethodPost,
		Path:   "/api/Trade/search",
		Header: auth,
		Body: map[string]any{
			"accountId":      accountID,
			"startTimestamp": from.Format(time.RFC3339),
			"endTimestamp":   now.Format(time.RFC3339),
		},
		Op: "trade search",
	}, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("trade search"); err != nil {
		return nil, err
	}

	fills := make([]provider.Fill, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		if t.Voided {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, t.CreationTimestamp)
		if err != nil {
			return nil, fmt.Errorf("topstepx: fill %d: bad timestamp", t.ID)
		}
		side := domain.SideBuy
		if t.Side == 1 {
			side = domain.SideSell
		}
		fills = append(fills, provider.Fill{
			ID:         strconv.FormatInt(t.ID, 10),
			Symbol:     t.ContractID,
			Side:       side,
			Qty:        t.Size,
			Price:      t.Price,
			Time:       at.UTC(),
			Commission: t.Fees,
			PnL:        t.ProfitAndLoss,
		})
	}
	return provider.PairFIFO(fills, provider.PointValue), nil
}

func (a *Adapter) resolveAccount(ctx context.Context, auth http.Header, ref string) (int64, error) {
	var resp struct {
		envelope
		Accounts []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"accounts"`
	}
	if err := a.http.Do(ctx, provider.Request{
		Method: http.MethodPost,
		Path:   "/api/Account/search",
		Header: auth,
		Body:   map[string]bool{"onlyActiveAccounts": false},
		Op:     "account search",
	}, &resp); err != nil {
		return 0, err
	}
	if err := resp.err("account search"); err != nil {
		return 0, err
	}
	for _, acc := range resp.Accounts {
		if strings.EqualFold(acc.Name, ref) || strconv.FormatInt(acc.ID, 10) == ref {
			return acc.ID, nil
		}
	}
	return 0, &domain.CredentialError{Platform: domain.PlatformTopstepX, Reason: "account not found"}
}
