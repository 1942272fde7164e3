// Package relay wires the feed, the stores and the subscriber broadcaster
// together.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/aaronwang/bidding-app/relay/internal/database"
	"github.com/aaronwang/bidding-app/relay/internal/metrics"
	"github.com/aaronwang/bidding-app/relay/internal/parser"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StateStore is the relational store of record for current bids
type StateStore interface {
	ResolveProductID(ctx context.Context, code models.AuctionCode) (string, error)
	ApplyBid(ctx context.Context, code models.AuctionCode, amount decimal.Decimal, bidder string, at time.Time) (bool, error)
}

// HistoryStore keeps the per-product bid log
type HistoryStore interface {
	AppendBid(ctx context.Context, productID, bidder string, amount decimal.Decimal, at time.Time) error
}

// Broadcaster queues a message for delivery to subscribers
type Broadcaster interface {
	Publish(ctx context.Context, msg interface{})
}

// Mirror republishes broadcast messages to another bus
type Mirror interface {
	Name() string
	Publish(ctx context.Context, msg models.Message) error
}

// Pipeline turns feed lines into store writes and broadcasts. It is not
// safe for concurrent use; one goroutine feeds it in feed order.
type Pipeline struct {
	parser      *parser.Parser
	state       StateStore
	history     HistoryStore
	broadcaster Broadcaster
	mirrors     []Mirror
	metrics     *metrics.Metrics
	timeout     time.Duration
	log         *zap.Logger
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithMirrors adds mirrors that receive every broadcast message
func WithMirrors(mirrors ...Mirror) PipelineOption {
	return func(p *Pipeline) { p.mirrors = append(p.mirrors, mirrors...) }
}

// WithStoreTimeout bounds each store call
func WithStoreTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.timeout = d }
}

// WithParser replaces the default parser
func WithParser(pr *parser.Parser) PipelineOption {
	return func(p *Pipeline) { p.parser = pr }
}

// NewPipeline creates a pipeline
func NewPipeline(state StateStore, history HistoryStore, broadcaster Broadcaster, m *metrics.Metrics, log *zap.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		parser:      parser.New(nil),
		state:       state,
		history:     history,
		broadcaster: broadcaster,
		metrics:     m,
		timeout:     5 * time.Second,
		log:         log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run handles lines until the channel closes or ctx is cancelled
func (p *Pipeline) Run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			p.HandleLine(ctx, line)
		case <-ctx.Done():
			return nil
		}
	}
}

// HandleLine processes one feed line
func (p *Pipeline) HandleLine(ctx context.Context, line string) {
	start := time.Now()
	res := p.parser.Parse(line)
	p.metrics.FeedLines.WithLabelValues(res.Kind.String()).Inc()

	var msg models.Message
	switch res.Kind {
	case parser.KindBid:
		msg = p.handleBid(ctx, res.Bid)
	case parser.KindJoin:
		p.log.Info("User joined", zap.String("username", res.Join.Username), zap.String("auction_code", res.Join.AuctionCode.String()))
		msg = models.NewUserJoined(*res.Join)
	default:
		p.log.Debug("Ignoring feed line", zap.String("line", line), zap.String("reason", res.Reason))
		return
	}
	if msg == nil {
		return
	}

	p.broadcaster.Publish(ctx, msg)
	p.mirror(ctx, msg)
	p.metrics.PipelineLatency.Observe(time.Since(start).Seconds())
}

// handleBid persists a bid, state store first, and returns the message to
// broadcast. It returns nil when the bid is dropped.
func (p *Pipeline) handleBid(ctx context.Context, ev *models.BidEvent) models.Message {
	log := p.log.With(
		zap.String("auction_code", ev.AuctionCode.String()),
		zap.String("bidder", ev.Bidder),
		zap.String("amount", ev.Amount.String()))

	productID, err := p.resolve(ctx, ev.AuctionCode)
	switch {
	case errors.Is(err, database.ErrAuctionNotFound):
		log.Warn("Dropping bid for unknown or inactive auction")
		p.metrics.EventsDropped.WithLabelValues("not_found").Inc()
		return nil
	case err != nil:
		log.Warn("Dropping bid, auction lookup failed", zap.Error(err))
		p.metrics.EventsDropped.WithLabelValues("unavailable").Inc()
		p.metrics.StoreErrors.WithLabelValues("state", "resolve").Inc()
		return nil
	}

	applied, err := p.applyBid(ctx, ev)
	if err != nil {
		log.Error("Failed to update current bid", zap.Error(err))
		p.metrics.StoreErrors.WithLabelValues("state", "apply").Inc()
	} else if !applied {
		log.Info("Auction closed before bid was applied, dropping")
		p.metrics.EventsDropped.WithLabelValues("closed").Inc()
		return nil
	}

	if err := p.appendBid(ctx, productID, ev); err != nil {
		log.Error("Failed to append bid to history", zap.String("product_id", productID), zap.Error(err))
		p.metrics.StoreErrors.WithLabelValues("history", "append").Inc()
	}

	log.Info("Bid recorded", zap.String("product_id", productID))
	return models.NewBidUpdate(*ev, productID)
}

func (p *Pipeline) resolve(ctx context.Context, code models.AuctionCode) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.state.ResolveProductID(ctx, code)
}

func (p *Pipeline) applyBid(ctx context.Context, ev *models.BidEvent) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.state.ApplyBid(ctx, ev.AuctionCode, ev.Amount, ev.Bidder, ev.ObservedAt)
}

func (p *Pipeline) appendBid(ctx context.Context, productID string, ev *models.BidEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.history.AppendBid(ctx, productID, ev.Bidder, ev.Amount, ev.ObservedAt)
}

func (p *Pipeline) mirror(ctx context.Context, msg models.Message) {
	for _, m := range p.mirrors {
		mctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := m.Publish(mctx, msg)
		cancel()
		if err != nil {
			p.log.Warn("Mirror publish failed", zap.String("mirror", m.Name()), zap.Error(err))
			p.metrics.MirrorErrors.WithLabelValues(m.Name()).Inc()
		}
	}
}
