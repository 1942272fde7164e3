package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidEvent is a new high bid observed on the auction feed
type BidEvent struct {
	Amount      decimal.Decimal
	Bidder      string
	AuctionCode AuctionCode
	ObservedAt  time.Time
}

// JoinEvent is a bidder entering an auction room
type JoinEvent struct {
	Username    string
	AuctionCode AuctionCode
	ObservedAt  time.Time
}

// BidEntry is one element of a bid log document in the history store
type BidEntry struct {
	Bidder    string    `bson:"bidder" json:"bidder"`
	Amount    float64   `bson:"amount" json:"amount"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}
