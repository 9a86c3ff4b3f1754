package rithmic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
)

var testCreds = domain.Credentials{"username": "rtrader", "password": "rpass", "account_number": "LT-1001"}

// fakePlant answers login, order history and logout like the order plant.
func fakePlant(t *testing.T, fills map[string][]*encoder) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		write := func(e *encoder) {
			_ = conn.WriteMessage(websocket.BinaryMessage, e.frame())
		}
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m, err := decodeFrame(frame)
			if !assert.NoError(t, err) {
				return
			}
			switch m.template() {
			case tmplLoginRequest:
				if m.str(fPassword) != "rpass" {
					write(newEncoder(tmplLoginResponse).str(fRpCode, "13").str(fRpCode, "permission denied"))
					continue
				}
				assert.EqualValues(t, infraOrderPlant, m.uint(fInfraType))
				write(newEncoder(tmplLoginResponse).str(fRpCode, "0").str(fFcmID, "FCM").str(fIbID, "IB"))
			case tmplOrderHistoryRequest:
				assert.Equal(t, "LT-1001", m.str(fAccountID))
				assert.Equal(t, "FCM", m.str(fFcmID))
				write(newEncoder(tmplOrderHistoryResponse).str(fUserMsg, m.str(fDate)))
				for _, f := range fills[m.str(fDate)] {
					write(f)
				}
				write(newEncoder(tmplOrderHistoryResponse).str(fRpCode, "0"))
			case tmplLogoutRequest:
				write(newEncoder(tmplLogoutResponse).str(fRpCode, "0"))
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fillMsg(id string, tx uint64, qty uint64, price float64, at time.Time) *encoder {
	return newEncoder(tmplExchangeOrderNotify).
		varint(fNotifyType, notifyFill).
		str(fFillID, id).
		str(fSymbol, "MESH5").
		varint(fTransactionType, tx).
		varint(fFillSize, qty).
		double(fFillPrice, price).
		double(fCommission, 0.5).
		varint(fSsboe, uint64(at.Unix())).
		varint(fUsecs, 0)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFetchTradesOverWebSocket(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 2, 10, 15, 0, 0, 0, time.UTC)
	srv := fakePlant(t, map[string][]*encoder{
		"20250210": {
			fillMsg("F1", transactionBuy, 3, 6000, day),
			fillMsg("F2", transactionSell, 3, 6004, day.Add(10*time.Minute)),
			fillMsg("F3", transactionSell, 1, 6010, day.Add(20*time.Minute)),
			newEncoder(tmplExchangeOrderNotify).varint(fNotifyType, 1).str(fFillID, "ignored"),
		},
	})

	a := New(Config{URL: wsURL(srv)})
	a.now = func() time.Time { return time.Date(2025, 2, 11, 1, 0, 0, 0, time.UTC) }
	since := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)

	trades, err := provider.Collect(a.FetchTrades(context.Background(), testCreds, "", &since))
	require.NoError(t, err)
	require.Len(t, trades, 2)

	closed := trades[0]
	assert.Equal(t, "F1", closed.ExternalID)
	assert.Equal(t, domain.TradeClosed, closed.Status)
	assert.InDelta(t, 60.0, *closed.PnL, 1e-9) // 4 points * $5 * 3
	assert.InDelta(t, -1.0, *closed.Commission, 1e-9)

	open := trades[1]
	assert.Equal(t, "F3", open.ExternalID)
	assert.Equal(t, domain.SideSell, open.Side)
	assert.Equal(t, domain.TradeOpen, open.Status)
}

type countingThrottle struct{ n atomic.Int32 }

func (c *countingThrottle) Wait(_ context.Context, p domain.Platform) error {
	if p == domain.PlatformRithmic {
		c.n.Add(1)
	}
	return nil
}

func TestFetchTradesChargesEveryRequestFrame(t *testing.T) {
	t.Parallel()

	srv := fakePlant(t, nil)
	a := New(Config{URL: wsURL(srv)})
	a.now = func() time.Time { return time.Date(2025, 2, 11, 1, 0, 0, 0, time.UTC) }
	throttle := &countingThrottle{}
	a.SetThrottle(throttle)
	since := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)

	_, err := provider.Collect(a.FetchTrades(context.Background(), testCreds, "", &since))
	require.NoError(t, err)

	// Login plus one history request per day from Feb 7 to Feb 11. Logout
	// is not charged.
	assert.EqualValues(t, 6, throttle.n.Load())
}

func TestLoginRejected(t *testing.T) {
	t.Parallel()

	srv := fakePlant(t, nil)
	a := New(Config{URL: wsURL(srv)})

	bad := domain.Credentials{"username": "rtrader", "password": "wrong", "account_number": "LT-1001"}
	err := a.Validate(context.Background(), bad)
	var ce *domain.CredentialError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "code 13")

	require.NoError(t, a.Validate(context.Background(), testCreds))
}

func TestDialFailureIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	_, err := provider.Collect(New(Config{URL: url}).FetchTrades(context.Background(), testCreds, "LT-1001", nil))
	_, ok := domain.AsTransient(err)
	assert.True(t, ok)
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	frame := newEncoder(tmplLoginResponse).str(fRpCode, "0").str(fRpCode, "ok").double(fFillPrice, 1.25).varint(fFillSize, 7).frame()
	m, err := decodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, tmplLoginResponse, m.template())
	assert.Equal(t, []string{"0", "ok"}, m.strs[fRpCode])
	assert.Equal(t, 1.25, m.double(fFillPrice))
	assert.EqualValues(t, 7, m.uint(fFillSize))

	_, err = decodeFrame(frame[:3])
	assert.ErrorIs(t, err, errShortFrame)
	_, err = decodeFrame(append(frame, 0))
	assert.Error(t, err)
}
