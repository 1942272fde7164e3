// Package history keeps the append-only bid log in MongoDB and archives it
// into the history collection when an auction closes.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// collection is the subset of *mongo.Collection the store uses
type collection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

// Collections names the three collections of the history database
type Collections struct {
	Active   string
	History  string
	Products string
}

// Closing describes an auction being finalized
type Closing struct {
	ProductID   string
	ProductName string
	AuctionCode models.AuctionCode
	Winner      string
	FinalBid    decimal.Decimal
}

// Store is the history store adapter
type Store struct {
	active   collection
	history  collection
	products collection
	now      func() time.Time
}

// Connect creates a pooled Mongo client. The driver connects in the
// background, so an unreachable server is only reported by Ping or by the
// first operation.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	return client, nil
}

// NewStore binds the adapter to a database
func NewStore(db *mongo.Database, names Collections) *Store {
	return &Store{
		active:   db.Collection(names.Active),
		history:  db.Collection(names.History),
		products: db.Collection(names.Products),
		now:      time.Now,
	}
}

// AppendBid pushes a bid onto the live bid log of a product, creating the
// document on the first bid. Redelivered lines produce duplicate entries.
func (s *Store) AppendBid(ctx context.Context, productID, bidder string, amount decimal.Decimal, at time.Time) error {
	value := amount.InexactFloat64()
	at = at.UTC()

	entry := models.BidEntry{Bidder: bidder, Amount: value, Timestamp: at}
	update := bson.M{
		"$push": bson.M{"bids": entry},
		"$set": bson.M{
			"last_bid":    value,
			"last_bidder": bidder,
			"last_update": at,
		},
	}

	_, err := s.active.UpdateOne(ctx, bson.M{"product_id": productID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to append bid for product %s: %w", productID, err)
	}
	return nil
}

// Finalize moves the live bid log of a closed auction into the history
// collection and marks the product sold. The history copy is written before
// the live document is deleted; rerunning after a partial failure replaces
// the same history record. The product is marked sold even when there is no
// bid log.
func (s *Store) Finalize(ctx context.Context, c Closing) error {
	closedAt := s.now().UTC()
	finalBid := c.FinalBid.InexactFloat64()

	var errs []error
	if err := s.archive(ctx, c, finalBid, closedAt); err != nil {
		errs = append(errs, err)
	}
	if err := s.markSold(ctx, c, finalBid, closedAt); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) archive(ctx context.Context, c Closing, finalBid float64, closedAt time.Time) error {
	var doc bson.M
	err := s.active.FindOne(ctx, bson.M{"product_id": c.ProductID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read bid log for product %s: %w", c.ProductID, err)
	}

	Sanitize(doc)
	doc["winner"] = c.Winner
	doc["final_bid"] = finalBid
	doc["closed_at"] = closedAt
	if c.ProductName != "" {
		doc["product_name"] = c.ProductName
	}
	if c.AuctionCode != "" {
		doc["auction_code"] = string(c.AuctionCode)
	}

	id, ok := doc["_id"]
	if !ok {
		return fmt.Errorf("bid log for product %s has no _id", c.ProductID)
	}

	_, err = s.history.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to archive bid log for product %s: %w", c.ProductID, err)
	}

	if _, err := s.active.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete live bid log for product %s: %w", c.ProductID, err)
	}
	return nil
}

func (s *Store) markSold(ctx context.Context, c Closing, finalBid float64, soldAt time.Time) error {
	update := bson.M{"$set": bson.M{
		"status":     models.ProductStatusSold,
		"sold_to":    c.Winner,
		"sold_price": finalBid,
		"sold_at":    soldAt,
	}}
	if _, err := s.products.UpdateOne(ctx, productFilter(c.ProductID), update); err != nil {
		return fmt.Errorf("failed to mark product %s sold: %w", c.ProductID, err)
	}
	return nil
}

// productFilter matches products stored with ObjectID keys as well as plain
// string keys
func productFilter(productID string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(productID); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": productID}
}
