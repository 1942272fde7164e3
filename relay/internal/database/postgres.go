package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrAuctionNotFound means the code is unknown or the auction is no longer active
	ErrAuctionNotFound = errors.New("auction not found or not active")
	// ErrStoreUnavailable wraps any failure to reach or query the state store
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// PoolConfig sizes the connection pool
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres opens a pooled lib/pq connection and wraps it in gorm. No
// connection is made until first use; see StateStore.Ping.
func OpenPostgres(dsn string, pool PoolConfig) (*gorm.DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}
	return db, nil
}

// StateStore is the current-bid store of record. Each call runs a single
// statement on a pooled connection.
type StateStore struct {
	db *gorm.DB
}

// NewStateStore wraps an open gorm handle
func NewStateStore(db *gorm.DB) *StateStore {
	return &StateStore{db: db}
}

// EnsureSchema creates the auctions table. The lifecycle manager owns the
// schema in production; this exists for local runs and tests.
func (s *StateStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.Auction{}); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ResolveProductID looks up the product behind an active auction code
func (s *StateStore) ResolveProductID(ctx context.Context, code models.AuctionCode) (string, error) {
	var auction models.Auction
	err := s.db.WithContext(ctx).
		Select("product_id").
		Where("auction_code = ? AND status = ?", string(code), models.AuctionStatusActive).
		Take(&auction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrAuctionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", ErrStoreUnavailable, code, err)
	}
	if auction.ProductID == "" {
		return "", ErrAuctionNotFound
	}
	return auction.ProductID, nil
}

// ApplyBid sets the current bid of an active auction. It reports false
// without error when no active row matched, which is how bids that race the
// auction close are discarded.
func (s *StateStore) ApplyBid(ctx context.Context, code models.AuctionCode, amount decimal.Decimal, bidder string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("auction_code = ? AND status = ?", string(code), models.AuctionStatusActive).
		Updates(map[string]interface{}{
			"current_bid":    amount,
			"current_bidder": bidder,
			"last_update":    at.UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("%w: update %s: %v", ErrStoreUnavailable, code, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CurrentBid returns the active auction row for a code
func (s *StateStore) CurrentBid(ctx context.Context, code models.AuctionCode) (*models.Auction, error) {
	var auction models.Auction
	err := s.db.WithContext(ctx).
		Where("auction_code = ? AND status = ?", string(code), models.AuctionStatusActive).
		Take(&auction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, code, err)
	}
	return &auction, nil
}

// Ping checks that the database is reachable
func (s *StateStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying pool
func (s *StateStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
