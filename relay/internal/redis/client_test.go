package redis

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "auction_events:AUC-7X2K", ChannelFor("AUC-7X2K"))
	assert.Equal(t, "auction:AUC-7X2K", SnapshotKey("AUC-7X2K"))
}

func TestPublishUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := New(redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}))
	defer c.Close()

	msg := models.NewUserJoined(models.JoinEvent{Username: "bob", AuctionCode: "AUC-7X2K", ObservedAt: time.Now()})
	err = c.Publish(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish to redis")
	assert.Equal(t, "redis", c.Name())
}

func newMiniredisClient(t *testing.T) (*Client, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	c := New(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { c.Close() })

	// separate connection for the test's own subscriptions
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return c, srv, rdb
}

func receive(t *testing.T, sub *redis.PubSub) *redis.Message {
	t.Helper()
	select {
	case msg := <-sub.Channel():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pub/sub message")
		return nil
	}
}

func TestPublishBidUpdate(t *testing.T) {
	c, srv, rdb := newMiniredisClient(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, ChannelFor("AUC-7X2K"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	at := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	bid := models.NewBidUpdate(models.BidEvent{
		Amount:      decimal.RequireFromString("150.50"),
		Bidder:      "alice",
		AuctionCode: "AUC-7X2K",
		ObservedAt:  at,
	}, "prod-1")
	require.NoError(t, c.Publish(ctx, bid))

	msg := receive(t, sub)
	assert.Equal(t, "auction_events:AUC-7X2K", msg.Channel)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "bid_update", got["type"])
	assert.Equal(t, 150.5, got["bid"])
	assert.Equal(t, "alice", got["bidder"])

	key := SnapshotKey("AUC-7X2K")
	assert.Equal(t, "150.5", srv.HGet(key, "current_bid"))
	assert.Equal(t, "alice", srv.HGet(key, "current_bidder"))
	assert.Equal(t, "prod-1", srv.HGet(key, "product_id"))
	assert.Equal(t, at.Format(time.RFC3339Nano), srv.HGet(key, "last_update"))
}

func TestPublishUserJoinedSkipsSnapshot(t *testing.T) {
	c, srv, rdb := newMiniredisClient(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, ChannelFor("AUC-BBBB"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	join := models.NewUserJoined(models.JoinEvent{Username: "bob", AuctionCode: "AUC-BBBB", ObservedAt: time.Now()})
	require.NoError(t, c.Publish(ctx, join))

	msg := receive(t, sub)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "user_joined", got["type"])
	assert.Equal(t, "bob", got["username"])
	assert.False(t, srv.Exists(SnapshotKey("AUC-BBBB")))
}
