package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/redis/go-redis/v9"
)

// Client mirrors relay messages onto Redis: every message is published on
// the auction's pub/sub channel and bid updates refresh a snapshot hash
type Client struct {
	client redis.UniversalClient
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(rdb), nil
}

// New wraps an existing go-redis client
func New(rdb redis.UniversalClient) *Client {
	return &Client{client: rdb}
}

// ChannelFor returns the pub/sub channel of an auction
func ChannelFor(code models.AuctionCode) string {
	return fmt.Sprintf("auction_events:%s", code)
}

// SnapshotKey returns the hash holding the latest bid of an auction
func SnapshotKey(code models.AuctionCode) string {
	return fmt.Sprintf("auction:%s", code)
}

// Name identifies the mirror in logs and metrics
func (c *Client) Name() string { return "redis" }

// Publish sends msg to subscribers of the auction channel. Bid updates also
// refresh the snapshot hash in the same pipeline.
func (c *Client) Publish(ctx context.Context, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Publish(ctx, ChannelFor(msg.Code()), payload)
	if bid, ok := msg.(*models.BidUpdate); ok {
		pipe.HSet(ctx, SnapshotKey(bid.AuctionCode),
			"current_bid", bid.Bid,
			"current_bidder", bid.Bidder,
			"product_id", bid.ProductID,
			"last_update", bid.Timestamp.Format(time.RFC3339Nano),
		)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}
