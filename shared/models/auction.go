package models

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// AuctionCode is the public identifier of an auction, e.g. AUC-7X2K
type AuctionCode string

var auctionCodePattern = regexp.MustCompile(`^AUC-[A-Z0-9]+$`)

// ValidAuctionCode reports whether s has the AUC-XXXX shape
func ValidAuctionCode(s string) bool {
	return auctionCodePattern.MatchString(s)
}

func (c AuctionCode) String() string { return string(c) }

// AuctionStatus constants
const (
	AuctionStatusActive = "active"
	AuctionStatusClosed = "closed"
)

// ProductStatus constants for the products collection
const (
	ProductStatusAvailable = "available"
	ProductStatusInAuction = "in_auction"
	ProductStatusSold      = "sold"
)

// Auction is a row of the auctions table owned by the state store.
// The relay only ever writes CurrentBid, CurrentBidder and LastUpdate.
type Auction struct {
	ID              uint                `gorm:"primaryKey" json:"id"`
	AuctionCode     string              `gorm:"column:auction_code;size:32;index" json:"auction_code"`
	ProductID       string              `gorm:"column:product_id;size:64;index" json:"product_id"`
	ProductName     string              `gorm:"column:product_name;size:255" json:"product_name"`
	BasePrice       decimal.Decimal     `gorm:"column:base_price;type:numeric(12,2)" json:"base_price"`
	Status          string              `gorm:"column:status;size:16;index" json:"status"`
	CurrentBid      decimal.NullDecimal `gorm:"column:current_bid;type:numeric(12,2)" json:"current_bid"`
	CurrentBidder   *string             `gorm:"column:current_bidder;size:255" json:"current_bidder,omitempty"`
	LastUpdate      *time.Time          `gorm:"column:last_update" json:"last_update,omitempty"`
	StartTime       *time.Time          `gorm:"column:start_time" json:"start_time,omitempty"`
	DurationMinutes int                 `gorm:"column:duration_minutes" json:"duration_minutes"`
}

// TableName pins the table name shared with the auction lifecycle manager
func (Auction) TableName() string { return "auctions" }
