// Package tradovate reads closed round trips from the Tradovate REST API.
package tradovate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
)

const (
	LiveBaseURL = "https://live.tradovateapi.com/v1"
	DemoBaseURL = "https://demo.tradovateapi.com/v1"
)

// AppInfo identifies the registered API application.
type AppInfo struct {
	AppID      string
	AppVersion string
	CID        string
	Secret     string
}

// Adapter implements provider.Adapter for Tradovate accounts.
type Adapter struct {
	http *provider.HTTPClient
	app  AppInfo
}

// New creates an adapter rooted at baseURL.
func New(baseURL string, hc *http.Client, app AppInfo) *Adapter {
	if baseURL == "" {
		baseURL = LiveBaseURL
	}
	if app.AppVersion == "" {
		app.AppVersion = "1.0"
	}
	return &Adapter{
		http: provider.NewHTTPClient(domain.PlatformTradovate, baseURL, hc),
		app:  app,
	}
}

func (a *Adapter) Platform() domain.Platform { return domain.PlatformTradovate }

// SetThrottle gates every API request through t.
func (a *Adapter) SetThrottle(t provider.Throttle) { a.http.SetThrottle(t) }

type tokenRequest struct {
	Name       string `json:"name"`
	Password   string `json:"password"`
	AppID      string `json:"appId,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	DeviceID   string `json:"deviceId"`
	CID        string `json:"cid,omitempty"`
	Sec        string `json:"sec,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ErrorText   string `json:"errorText"`
	PTicket     string `json:"p-ticket"`
	PTime       int    `json:"p-time"`
	PCaptcha    bool   `json:"p-captcha"`
}

// authenticate exchanges username and password for a bearer token. The
// endpoint answers 200 with errorText on bad credentials, and with a
// p-ticket when the caller must back off.
func (a *Adapter) authenticate(ctx context.Context, creds domain.Credentials) (string, error) {
	var resp tokenResponse
	err := a.http.Do(ctx, provider.Request{
		Method: http.MethodPost,
		Path:   "/auth/accesstokenrequest",
		Body: tokenRequest{
			Name:       creds["username"],
			Password:   creds["password"],
			AppID:      a.app.AppID,
			AppVersion: a.app.AppVersion,
			DeviceID:   creds["device_id"],
			CID:        a.app.CID,
			Sec:        a.app.Secret,
		},
		Op: "access token",
	}, &resp)
	if err != nil {
		return "", err
	}
	switch {
	case resp.PTicket != "" && resp.PCaptcha:
		return "", &domain.CredentialError{Platform: domain.PlatformTradovate, Reason: "captcha required, log in through the Tradovate app"}
	case resp.PTicket != "":
		return "", &domain.TransientError{
			Op:         "tradovate: access token",
			RetryAfter: time.Duration(resp.PTime) * time.Second,
			Err:        domain.ErrRateLimited,
		}
	case resp.ErrorText != "":
		return "", &domain.CredentialError{Platform: domain.PlatformTradovate, Reason: "login rejected"}
	case resp.AccessToken == "":
		return "", &domain.CredentialError{Platform: domain.PlatformTradovate, Reason: "no access token issued"}
	}
	return resp.AccessToken, nil
}

// Validate requests an access token.
func (a *Adapter) Validate(ctx context.Context, creds domain.Credentials) error {
	if err := provider.CheckCredentials(domain.PlatformTradovate, creds); err != nil {
		return err
	}
	_, err := a.authenticate(ctx, creds)
	return err
}

type account struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type position struct {
	ID         int64 `json:"id"`
	AccountID  int64 `json:"accountId"`
	ContractID int64 `json:"contractId"`
}

type fillPair struct {
	ID         int64   `json:"id"`
	PositionID int64   `json:"positionId"`
	BuyFillID  int64   `json:"buyFillId"`
	SellFillID int64   `json:"sellFillId"`
	Qty        float64 `json:"qty"`
	BuyPrice   float64 `json:"buyPrice"`
	SellPrice  float64 `json:"sellPrice"`
	Active     bool    `json:"active"`
}

type fill struct {
	ID         int64     `json:"id"`
	ContractID int64     `json:"contractId"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price"`
}

type contract struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// FetchTrades walks account -> positions -> fill pairs, resolving fill
// timestamps and contract names in bulk. Only closed round trips are
// reported: Tradovate assigns a pair id once a fill is matched, so there is
// no stable id for an open lot.
func (a *Adapter) FetchTrades(ctx context.Context, creds domain.Credentials, accountRef string, since *time.Time) iter.Seq2[domain.RawTrade, error] {
	return func(yield func(domain.RawTrade, error) bool) {
		if err := provider.CheckCredentials(domain.PlatformTradovate, creds); err != nil {
			yield(domain.RawTrade{}, err)
			return
		}
		trades, err := a.fetch(ctx, creds, accountRef)
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

func (a *Adapter) fetch(ctx context.Context, creds domain.Credentials, accountRef string) ([]domain.RawTrade, error) {
	token, err := a.authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	auth := http.Header{"Authorization": {"Bearer " + token}}

	var accounts []account
	if err := a.http.Do(ctx, provider.Request{Method: http.MethodGet, Path: "/account/list", Header: auth, Op: "list accounts"}, &accounts); err != nil {
		return nil, err
	}
	acct, err := matchAccount(accounts, accountRef)
	if err != nil {
		return nil, err
	}

	var positions []position
	if err := a.http.Do(ctx, provider.Request{
		Method: http.MethodGet, Path: "/position/deps", Header: auth,
		Query: url.Values{"masterid": {strconv.FormatInt(acct.ID, 10)}}, Op: "list positions",
	}, &positions); err != nil {
		return nil, err
	}

	var pairs []fillPair
	for _, p := range positions {
		var ps []fillPair
		if err := a.http.Do(ctx, provider.Request{
			Method: http.MethodGet, Path: "/fillPair/deps", Header: auth,
			Query: url.Values{"masterid": {strconv.FormatInt(p.ID, 10)}}, Op: "list fill pairs",
		}, &ps); err != nil {
			return nil, err
		}
		pairs = append(pairs, ps...)
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	fillIDs := make([]int64, 0, 2*len(pairs))
	for _, fp := range pairs {
		fillIDs = append(fillIDs, fp.BuyFillID, fp.SellFillID)
	}
	var fills []fill
	if err := a.http.Do(ctx, provider.Request{
		Method: http.MethodGet, Path: "/fill/items", Header: auth,
		Query: url.Values{"ids": {joinIDs(fillIDs)}}, Op: "fill items",
	}, &fills); err != nil {
		return nil, err
	}
	fillByID := make(map[int64]fill, len(fills))
	var contractIDs []int64
	for _, f := range fills {
		fillByID[f.ID] = f
		contractIDs = append(contractIDs, f.ContractID)
	}

	var contracts []contract
	if err := a.http.Do(ctx, provider.Request{
		Method: http.MethodGet, Path: "/contract/items", Header: auth,
		Query: url.Values{"ids": {joinIDs(contractIDs)}}, Op: "contract items",
	}, &contracts); err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(contracts))
	for _, c := range contracts {
		names[c.ID] = c.Name
	}

	out := make([]domain.RawTrade, 0, len(pairs))
	for _, fp := range pairs {
		buy, okB := fillByID[fp.BuyFillID]
		sell, okS := fillByID[fp.SellFillID]
		if !okB || !okS {
			return nil, fmt.Errorf("tradovate: fill pair %d references unknown fills", fp.ID)
		}
		out = append(out, pairTrade(fp, buy, sell, names[buy.ContractID]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseTime.Before(*out[j].CloseTime) })
	return out, nil
}

func matchAccount(accounts []account, ref string) (account, error) {
	for _, acc := range accounts {
		if strings.EqualFold(acc.Name, ref) || strconv.FormatInt(acc.ID, 10) == ref {
			return acc, nil
		}
	}
	return account{}, &domain.CredentialError{
		Platform: domain.PlatformTradovate,
		Reason:   "account not found",
		Err:      errors.New("no account matches the connection's account identifier"),
	}
}

// pairTrade builds one round trip. The earlier fill opened the position.
func pairTrade(fp fillPair, buy, sell fill, symbol string) domain.RawTrade {
	side := domain.SideBuy
	openFill, closeFill := buy, sell
	openPrice, closePrice := fp.BuyPrice, fp.SellPrice
	if sell.Timestamp.Before(buy.Timestamp) {
		side = domain.SideSell
		openFill, closeFill = sell, buy
		openPrice, closePrice = fp.SellPrice, fp.BuyPrice
	}
	pnl := (fp.SellPrice - fp.BuyPrice) * fp.Qty * provider.PointValue(symbol)
	return domain.RawTrade{
		ExternalID: strconv.FormatInt(fp.ID, 10),
		Symbol:     symbol,
		Side:       side,
		OpenTime:   openFill.Timestamp.UTC(),
		CloseTime:  domain.Time(closeFill.Timestamp.UTC()),
		OpenPrice:  openPrice,
		ClosePrice: domain.Float(closePrice),
		Volume:     fp.Qty,
		PnL:        domain.Float(pnl),
		Status:     domain.TradeClosed,
		Metadata: map[string]any{
			"position_id":  fp.PositionID,
			"buy_fill_id":  fp.BuyFillID,
			"sell_fill_id": fp.SellFillID,
		},
	}
}

func joinIDs(ids []int64) string {
	seen := make(map[int64]bool, len(ids))
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}
