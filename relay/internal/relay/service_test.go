package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/aaronwang/bidding-app/relay/internal/database"
	"github.com/aaronwang/bidding-app/relay/internal/feed"
	"github.com/aaronwang/bidding-app/relay/internal/metrics"
	"github.com/aaronwang/bidding-app/relay/internal/websocket"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/gorilla/mux"
	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type endToEnd struct {
	db      *gorm.DB
	history *fakeHistory
	manager *websocket.Manager
	addr    string
	feedLn  net.Listener
	cancel  context.CancelFunc
	done    chan error
}

func newStateDB(t *testing.T) (*database.StateStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store := database.NewStateStore(db)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store, db
}

func startRelay(t *testing.T) *endToEnd {
	t.Helper()
	// subscriber pumps outlive the test body, so nothing logs through t
	log := zap.NewNop()

	store, db := newStateDB(t)
	for _, a := range []models.Auction{
		{AuctionCode: "AUC-7X2K", ProductID: "prod-7x2k", Status: models.AuctionStatusActive, BasePrice: decimal.RequireFromString("100")},
		{AuctionCode: "AUC-AAAA", ProductID: "prod-aaaa", Status: models.AuctionStatusActive, BasePrice: decimal.RequireFromString("5")},
	} {
		require.NoError(t, db.Create(&a).Error)
	}

	feedLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { feedLn.Close() })

	m := metrics.New(prometheus.NewRegistry())
	manager := websocket.NewManager(log, websocket.WithObserver(m))
	history := &fakeHistory{}
	pipeline := NewPipeline(store, history, manager, m, log)

	router := mux.NewRouter()
	websocket.NewHandler(manager, 16, log).Routes(router)

	svc := NewService(ServiceOptions{
		ShutdownTimeout: time.Second,
		Feed: feed.Options{
			Addr:        feedLn.Addr().String(),
			DialTimeout: time.Second,
			RetryDelay:  50 * time.Millisecond,
		},
	}, router, manager, pipeline, m, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	e := &endToEnd{
		db:      db,
		history: history,
		manager: manager,
		addr:    ln.Addr().String(),
		feedLn:  feedLn,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { e.done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-e.done
	})
	return e
}

func (e *endToEnd) subscribe(t *testing.T) *gorillaws.Conn {
	t.Helper()
	want := e.manager.Count() + 1
	conn, _, err := gorillaws.DefaultDialer.Dial("ws://"+e.addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return e.manager.Count() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

// acceptFeed waits for the relay to connect and checks the handshake
func (e *endToEnd) acceptFeed(t *testing.T) net.Conn {
	t.Helper()
	conn, err := e.feedLn.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	hello, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "MONITOR_CLIENT\n", hello)
	return conn
}

func readJSON(t *testing.T, conn *gorillaws.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRelayBidEndToEnd(t *testing.T) {
	e := startRelay(t)
	sub := e.subscribe(t)
	feedConn := e.acceptFeed(t)

	_, err := feedConn.Write([]byte("NEW HIGH BID! 150.50 by alice in AUC-7X2K\n"))
	require.NoError(t, err)

	msg := readJSON(t, sub)
	assert.Equal(t, "bid_update", msg["type"])
	assert.Equal(t, 150.50, msg["bid"])
	assert.Equal(t, "alice", msg["bidder"])
	assert.Equal(t, "AUC-7X2K", msg["auction_code"])
	assert.Equal(t, "prod-7x2k", msg["product_id"])
	_, err = time.Parse(time.RFC3339, msg["timestamp"].(string))
	assert.NoError(t, err)

	var row models.Auction
	require.NoError(t, e.db.Where("auction_code = ?", "AUC-7X2K").Take(&row).Error)
	require.True(t, row.CurrentBid.Valid)
	assert.True(t, row.CurrentBid.Decimal.Equal(decimal.RequireFromString("150.50")))
	require.NotNil(t, row.CurrentBidder)
	assert.Equal(t, "alice", *row.CurrentBidder)

	e.history.mu.Lock()
	defer e.history.mu.Unlock()
	require.Len(t, e.history.entries, 1)
	assert.Equal(t, "prod-7x2k", e.history.entries[0].productID)
}

func TestRelayJoinEndToEnd(t *testing.T) {
	e := startRelay(t)
	sub := e.subscribe(t)
	feedConn := e.acceptFeed(t)

	_, err := feedConn.Write([]byte("[JOIN] bob joined AUC-7X2K\n"))
	require.NoError(t, err)

	msg := readJSON(t, sub)
	assert.Equal(t, "user_joined", msg["type"])
	assert.Equal(t, "bob", msg["username"])
	assert.Equal(t, "AUC-7X2K", msg["auction_code"])

	var row models.Auction
	require.NoError(t, e.db.Where("auction_code = ?", "AUC-7X2K").Take(&row).Error)
	assert.False(t, row.CurrentBid.Valid)
	assert.Empty(t, e.history.entries)
}

func TestRelayTwoLinesInOneChunk(t *testing.T) {
	e := startRelay(t)
	first := e.subscribe(t)
	second := e.subscribe(t)
	feedConn := e.acceptFeed(t)

	_, err := feedConn.Write([]byte("NEW HIGH BID! 10 by x in AUC-AAAA\n[JOIN] y joined AUC-BBBB\n"))
	require.NoError(t, err)

	for _, sub := range []*gorillaws.Conn{first, second} {
		bid := readJSON(t, sub)
		assert.Equal(t, "bid_update", bid["type"])
		assert.Equal(t, "x", bid["bidder"])
		assert.Equal(t, "AUC-AAAA", bid["auction_code"])
		assert.Equal(t, 10.0, bid["bid"])
		assert.NotContains(t, bid, "username")

		join := readJSON(t, sub)
		assert.Equal(t, "user_joined", join["type"])
		assert.Equal(t, "y", join["username"])
		assert.Equal(t, "AUC-BBBB", join["auction_code"])
		assert.NotContains(t, join, "bidder")
	}
}

func TestRelayReconnectsToFeed(t *testing.T) {
	e := startRelay(t)
	sub := e.subscribe(t)

	first := e.acceptFeed(t)
	first.Close()

	second := e.acceptFeed(t)
	_, err := second.Write([]byte("[JOIN] carol joined AUC-AAAA\n"))
	require.NoError(t, err)

	msg := readJSON(t, sub)
	assert.Equal(t, "carol", msg["username"])
}

func TestRelayShutdownClosesSubscribers(t *testing.T) {
	e := startRelay(t)
	sub := e.subscribe(t)
	e.acceptFeed(t)

	e.cancel()
	select {
	case err := <-e.done:
		assert.NoError(t, err)
		e.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}

	sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := sub.ReadMessage()
	assert.True(t, gorillaws.IsCloseError(err, gorillaws.CloseGoingAway), "unexpected error: %v", err)
}

func TestRunFailsWhenListenerCannotBind(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	m := metrics.New(prometheus.NewRegistry())
	log := zap.NewNop()
	manager := websocket.NewManager(log)
	svc := NewService(ServiceOptions{Addr: busy.Addr().String()}, mux.NewRouter(), manager,
		NewPipeline(newFakeState(), &fakeHistory{}, manager, m, log), m, log)

	err = svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind subscriber listener")
}
