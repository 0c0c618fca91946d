package kite

import (
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// kiteClient is the slice of *kiteconnect.Client the adapter uses.
type kiteClient interface {
	GetLTP(instruments ...string) (kiteconnect.QuoteLTP, error)
	GetHistoricalData(instrumentToken int, interval string, fromDate time.Time, toDate time.Time, continuous bool, OI bool) ([]kiteconnect.HistoricalData, error)
	PlaceOrder(variety string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	GetPositions() (kiteconnect.Positions, error)
	GetUserMargins() (kiteconnect.AllMargins, error)
	GetUserProfile() (kiteconnect.UserProfile, error)
}

var _ kiteClient = (*kiteconnect.Client)(nil)
