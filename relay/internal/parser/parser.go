// Package parser classifies auction feed lines into bid and join events.
//
// The grammar has two rules. Keywords match case-insensitively, the auction
// code does not:
//
//	NEW HIGH BID! <amount> by <bidder> in <AUC-XXXX>
//	[JOIN] <username> joined <AUC-XXXX>
//
// Text before or after a recognized line is tolerated. Every other line is
// ignored. Parse never fails; ignored lines carry a reason for logging.
package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/shopspring/decimal"
)

// Kind tags the outcome of Parse
type Kind int

const (
	KindIgnored Kind = iota
	KindBid
	KindJoin
)

func (k Kind) String() string {
	switch k {
	case KindBid:
		return "bid"
	case KindJoin:
		return "join"
	default:
		return "ignored"
	}
}

// Result is exactly one of a bid, a join, or an ignored line
type Result struct {
	Kind   Kind
	Bid    *models.BidEvent
	Join   *models.JoinEvent
	Reason string
}

var (
	// the bidder group is non-greedy and must be followed by "in <code>", so a
	// bidder containing spaces (or the word "in") never swallows the code
	bidPattern  = regexp.MustCompile(`(?i:new\s+high\s+bid!)\s+([0-9]+(?:\.[0-9]+)?)\s+(?i:by)\s+(.+?)\s+(?i:in)\s+(AUC-[A-Z0-9]+)\b`)
	joinPattern = regexp.MustCompile(`\[(?i:join)\]\s+(.+?)\s+(?i:joined)\s+(AUC-[A-Z0-9]+)\b`)
)

// Parser turns feed lines into events stamped with the parser clock
type Parser struct {
	now func() time.Time
}

// New creates a parser. A nil clock uses time.Now.
func New(now func() time.Time) *Parser {
	if now == nil {
		now = time.Now
	}
	return &Parser{now: now}
}

// Parse classifies a single line
func (p *Parser) Parse(line string) Result {
	line = strings.TrimSpace(line)
	if line == "" {
		return ignored("empty line")
	}

	if m := bidPattern.FindStringSubmatch(line); m != nil {
		amount, err := decimal.NewFromString(m[1])
		if err != nil {
			return ignored("unparseable bid amount")
		}
		if amount.IsNegative() {
			return ignored("bid amount must not be negative")
		}
		bidder := strings.TrimSpace(m[2])
		if bidder == "" {
			return ignored("empty bidder")
		}
		return Result{
			Kind: KindBid,
			Bid: &models.BidEvent{
				Amount:      amount,
				Bidder:      bidder,
				AuctionCode: models.AuctionCode(m[3]),
				ObservedAt:  p.now().UTC(),
			},
		}
	}

	if m := joinPattern.FindStringSubmatch(line); m != nil {
		username := strings.TrimSpace(m[1])
		if username == "" {
			return ignored("empty username")
		}
		return Result{
			Kind: KindJoin,
			Join: &models.JoinEvent{
				Username:    username,
				AuctionCode: models.AuctionCode(m[2]),
				ObservedAt:  p.now().UTC(),
			},
		}
	}

	return ignored("no matching grammar")
}

func ignored(reason string) Result {
	return Result{Kind: KindIgnored, Reason: reason}
}
