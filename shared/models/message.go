package models

import "time"

// Message types pushed to subscribers
const (
	MessageTypeBidUpdate  = "bid_update"
	MessageTypeUserJoined = "user_joined"
)

// Message is a normalized notification fanned out to subscribers and mirrors
type Message interface {
	MessageType() string
	Code() AuctionCode
}

// BidUpdate is broadcast after a bid has been recorded
type BidUpdate struct {
	Type        string      `json:"type"`
	AuctionCode AuctionCode `json:"auction_code"`
	ProductID   string      `json:"product_id"`
	Bid         float64     `json:"bid"`
	Bidder      string      `json:"bidder"`
	Timestamp   time.Time   `json:"timestamp"`
}

// NewBidUpdate builds the bid_update message for a recorded bid
func NewBidUpdate(ev BidEvent, productID string) *BidUpdate {
	return &BidUpdate{
		Type:        MessageTypeBidUpdate,
		AuctionCode: ev.AuctionCode,
		ProductID:   productID,
		Bid:         ev.Amount.InexactFloat64(),
		Bidder:      ev.Bidder,
		Timestamp:   ev.ObservedAt.UTC(),
	}
}

func (m *BidUpdate) MessageType() string { return m.Type }
func (m *BidUpdate) Code() AuctionCode   { return m.AuctionCode }

// UserJoined is broadcast when a bidder joins an auction room
type UserJoined struct {
	Type        string      `json:"type"`
	Username    string      `json:"username"`
	AuctionCode AuctionCode `json:"auction_code"`
	Timestamp   time.Time   `json:"timestamp"`
}

// NewUserJoined builds the user_joined message for a join event
func NewUserJoined(ev JoinEvent) *UserJoined {
	return &UserJoined{
		Type:        MessageTypeUserJoined,
		Username:    ev.Username,
		AuctionCode: ev.AuctionCode,
		Timestamp:   ev.ObservedAt.UTC(),
	}
}

func (m *UserJoined) MessageType() string { return m.Type }
func (m *UserJoined) Code() AuctionCode   { return m.AuctionCode }
