package domain

import (
	"time"

	"github.com/google/uuid"
)

// Provider is the prop-firm or broker brand a connection belongs to.
type Provider string

const (
	ProviderFTMO         Provider = "ftmo"
	ProviderFintokei     Provider = "fintokei"
	ProviderTopstep      Provider = "topstep"
	ProviderTradeify     Provider = "tradeify"
	ProviderLucidTrading Provider = "lucidtrading"
)

// Providers lists every supported provider.
var Providers = []Provider{
	ProviderFTMO, ProviderFintokei, ProviderTopstep, ProviderTradeify, ProviderLucidTrading,
}

func (p Provider) Valid() bool {
	for _, v := range Providers {
		if p == v {
			return true
		}
	}
	return false
}

// Platform is the trading technology whose API is actually called.
type Platform string

const (
	PlatformCTrader   Platform = "ctrader"
	PlatformMT4       Platform = "mt4"
	PlatformMT5       Platform = "mt5"
	PlatformTopstepX  Platform = "topstepx"
	PlatformTradovate Platform = "tradovate"
	PlatformRithmic   Platform = "rithmic"
	PlatformCSV       Platform = "csv"
)

// Platforms lists every supported platform.
var Platforms = []Platform{
	PlatformCTrader, PlatformMT4, PlatformMT5, PlatformTopstepX,
	PlatformTradovate, PlatformRithmic, PlatformCSV,
}

func (p Platform) Valid() bool {
	for _, v := range Platforms {
		if p == v {
			return true
		}
	}
	return false
}

// Live reports whether the platform is polled by the scheduler.
func (p Platform) Live() bool {
	return p.Valid() && p != PlatformCSV
}

// ConnectionStatus is the health of a broker connection.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionInactive ConnectionStatus = "inactive"
	ConnectionError    ConnectionStatus = "error"
)

// SyncStatus is the outcome of the most recent sync attempt on a connection.
type SyncStatus string

const (
	SyncNone       SyncStatus = ""
	SyncSuccess    SyncStatus = "success"
	SyncFailed     SyncStatus = "failed"
	SyncInProgress SyncStatus = "in_progress"
)

// Metadata keys the engine reads from BrokerConnection.Metadata.
const (
	MetaTimezone = "timezone"
	MetaEAToken  = "ea_token"
)

// BrokerConnection is one user's link to one broker account on one platform.
// It is unique per (UserID, Provider, AccountIdentifier).
type BrokerConnection struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	Provider             Provider
	Platform             Platform
	AccountIdentifier    string
	CredentialsEncrypted string
	Status               ConnectionStatus
	LastSyncAt           *time.Time
	LastSyncStatus       SyncStatus
	LastSyncError        string
	ConsecutiveFailures  int
	NextSyncAt           *time.Time
	LeaseUntil           *time.Time
	Metadata             map[string]any
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Location returns the timezone used to bucket this connection's trades into
// calendar days. Unknown or missing zones fall back to UTC.
func (c BrokerConnection) Location() *time.Location {
	name, _ := c.Metadata[MetaTimezone].(string)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EAToken returns the push token expert advisors authenticate with.
func (c BrokerConnection) EAToken() string {
	tok, _ := c.Metadata[MetaEAToken].(string)
	return tok
}

// Leased reports whether a sync attempt currently holds the connection.
func (c BrokerConnection) Leased(now time.Time) bool {
	return c.LastSyncStatus == SyncInProgress && c.LeaseUntil != nil && c.LeaseUntil.After(now)
}

// SyncOutcome is what a finished attempt writes back onto its connection.
type SyncOutcome struct {
	Status              SyncStatus
	ConnectionStatus    ConnectionStatus
	Error               string
	ConsecutiveFailures int
	// LastSyncAt is set only on success; it is the watermark for the next fetch.
	LastSyncAt *time.Time
	NextSyncAt *time.Time
}
