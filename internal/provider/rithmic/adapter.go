// Package rithmic reads order history fills over R|Protocol, the
// protobuf-over-WebSocket API of the Rithmic order plant.
package rithmic

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
)

const (
	DefaultURL = "wss://rprotocol.rithmic.com:443"

	writeWait        = 10 * time.Second
	readWait         = 30 * time.Second
	handshakeTimeout = 15 * time.Second
	pairingLookback  = 3 * 24 * time.Hour
	dateLayout       = "20060102"
)

// Config names the Rithmic system and the registered application.
type Config struct {
	URL        string
	SystemName string
	AppName    string
	AppVersion string
	Backfill   time.Duration
}

// Adapter implements provider.Adapter for Rithmic accounts.
type Adapter struct {
	cfg      Config
	dialer   *websocket.Dialer
	throttle provider.Throttle
	now      func() time.Time
}

func New(cfg Config) *Adapter {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.SystemName == "" {
		cfg.SystemName = "Rithmic Paper Trading"
	}
	if cfg.AppName == "" {
		cfg.AppName = "brokersync"
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = "1.0"
	}
	if cfg.Backfill <= 0 {
		cfg.Backfill = 30 * 24 * time.Hour
	}
	return &Adapter{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		now:    time.Now,
	}
}

func (a *Adapter) Platform() domain.Platform { return domain.PlatformRithmic }

// SetThrottle gates every request frame through t.
func (a *Adapter) SetThrottle(t provider.Throttle) { a.throttle = t }

// session is one logged-in order plant connection.
type session struct {
	ctx      context.Context
	conn     *websocket.Conn
	throttle provider.Throttle
	stop     func() bool
	fcmID    string
	ibID     string
}

func (a *Adapter) login(ctx context.Context, creds domain.Credentials) (*session, error) {
	conn, _, err := a.dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientError{Op: "rithmic: connect", Err: errors.New("websocket dial failed")}
	}
	s := &session{ctx: ctx, conn: conn, throttle: a.throttle}
	// Unblock pending reads when the attempt is cancelled.
	s.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })

	req := newEncoder(tmplLoginRequest).
		str(fTemplateVersion, templateVersion).
		str(fUserMsg, "login").
		str(fUser, creds["username"]).
		str(fPassword, creds["password"]).
		str(fAppName, a.cfg.AppName).
		str(fAppVersion, a.cfg.AppVersion).
		str(fSystemName, a.cfg.SystemName).
		varint(fInfraType, infraOrderPlant)
	if err := s.send(req); err != nil {
		s.close()
		return nil, err
	}
	resp, err := s.expect(tmplLoginResponse)
	if err != nil {
		s.close()
		return nil, err
	}
	if code := rpCode(resp); code != "0" {
		s.close()
		return nil, &domain.CredentialError{Platform: domain.PlatformRithmic, Reason: "login rejected (code " + code + ")"}
	}
	s.fcmID = resp.str(fFcmID)
	s.ibID = resp.str(fIbID)
	return s, nil
}

// send writes one request frame after it fits in the platform budget.
func (s *session) send(e *encoder) error {
	if s.throttle != nil {
		if err := s.throttle.Wait(s.ctx, domain.PlatformRithmic); err != nil {
			return fmt.Errorf("rithmic: %w", err)
		}
	}
	return s.write(e)
}

func (s *session) write(e *encoder) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, e.frame()); err != nil {
		return s.transportErr("send", err)
	}
	return nil
}

func (s *session) recv() (*message, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	_, frame, err := s.conn.ReadMessage()
	if err != nil {
		return nil, s.transportErr("receive", err)
	}
	return decodeFrame(frame)
}

// expect reads until a message with the given template arrives.
func (s *session) expect(template int) (*message, error) {
	for {
		m, err := s.recv()
		if err != nil {
			return nil, err
		}
		if m.template() == template {
			return m, nil
		}
	}
}

func (s *session) transportErr(op string, err error) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return &domain.TransientError{Op: "rithmic: " + op, Err: err}
}

// close logs out best effort and releases the connection.
func (s *session) close() {
	_ = s.write(newEncoder(tmplLogoutRequest).str(fUserMsg, "logout"))
	s.stop()
	_ = s.conn.Close()
}

func rpCode(m *message) string {
	codes := m.strs[fRpCode]
	if len(codes) == 0 {
		return ""
	}
	return codes[0]
}

// Validate logs in to the order plant and out again.
func (a *Adapter) Validate(ctx context.Context, creds domain.Credentials) error {
	if err := provider.CheckCredentials(domain.PlatformRithmic, creds); err != nil {
		return err
	}
	s, err := a.login(ctx, creds)
	if err != nil {
		return err
	}
	s.close()
	return nil
}

// FetchTrades replays order history one trading date at a time, pairs the
// fills FIFO and reports trades at or after the watermark.
func (a *Adapter) FetchTrades(ctx context.Context, creds domain.Credentials, account string, since *time.Time) iter.Seq2[domain.RawTrade, error] {
	return func(yield func(domain.RawTrade, error) bool) {
		if err := provider.CheckCredentials(domain.PlatformRithmic, creds); err != nil {
			yield(domain.RawTrade{}, err)
			return
		}
		if account == "" {
			account = creds["account_number"]
		}
		s, err := a.login(ctx, creds)
		if err != nil {
			yield(domain.RawTrade{}, err)
			return
		}
		fills, err := a.history(s, account, since)
		s.close()
		if err != nil {
			yield(domain.RawTrade{}, err)
			return
		}
		for _, t := range provider.PairFIFO(fills, provider.PointValue) {
			if !provider.Since(t, since) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (a *Adapter) history(s *session, account string, since *time.Time) ([]provider.Fill, error) {
	now := a.now().UTC()
	from := now.Add(-a.cfg.Backfill)
	if since != nil {
		from = since.UTC().Add(-pairingLookback)
	}
	var fills []provider.Fill
	for day := domain.CivilDate(from, time.UTC); !day.After(now); day = day.AddDate(0, 0, 1) {
		date := day.Format(dateLayout)
		req := newEncoder(tmplOrderHistoryRequest).
			str(fUserMsg, date).
			str(fFcmID, s.fcmID).
			str(fIbID, s.ibID).
			str(fAccountID, account).
			str(fDate, date)
		if err := s.send(req); err != nil {
			return nil, err
		}
		dayFills, err := s.collectFills()
		if err != nil {
			return nil, err
		}
		fills = append(fills, dayFills...)
	}
	return fills, nil
}

// collectFills reads fill notifications until the history response closes
// the request.
func (s *session) collectFills() ([]provider.Fill, error) {
	var out []provider.Fill
	for {
		m, err := s.recv()
		if err != nil {
			return nil, err
		}
		switch m.template() {
		case tmplExchangeOrderNotify:
			if m.uint(fNotifyType) != notifyFill {
				continue
			}
			f, ok := fillFrom(m)
			if ok {
				out = append(out, f)
			}
		case tmplOrderHistoryResponse:
			code := rpCode(m)
			if code == "" {
				// Intermediate handler acknowledgement.
				continue
			}
			if code != "0" {
				if strings.HasPrefix(code, "13") {
					return nil, &domain.CredentialError{Platform: domain.PlatformRithmic, Reason: "account not permitted (code " + code + ")"}
				}
				return nil, fmt.Errorf("rithmic: order history rejected (code %s)", code)
			}
			return out, nil
		}
	}
}

func fillFrom(m *message) (provider.Fill, bool) {
	var side domain.TradeSide
	switch m.uint(fTransactionType) {
	case transactionBuy:
		side = domain.SideBuy
	case transactionSell:
		side = domain.SideSell
	default:
		return provider.Fill{}, false
	}
	at := time.Unix(int64(m.uint(fSsboe)), int64(m.uint(fUsecs))*int64(time.Microsecond)).UTC()
	return provider.Fill{
		ID:         m.str(fFillID),
		Symbol:     m.str(fSymbol),
		Side:       side,
		Qty:        float64(m.uint(fFillSize)),
		Price:      m.double(fFillPrice),
		Time:       at,
		Commission: m.double(fCommission),
	}, true
}
