package history

import (
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Sanitize coerces the amounts of a bid log document to float64 and its
// bidders to strings, in place. Documents written by older tools may hold
// Decimal128, integer or string amounts.
func Sanitize(doc bson.M) {
	if v, ok := doc["last_bid"]; ok {
		doc["last_bid"] = toFloat(v)
	}
	if v, ok := doc["last_bidder"]; ok {
		doc["last_bidder"] = toString(v)
	}

	bids, ok := doc["bids"].(bson.A)
	if !ok {
		return
	}
	clean := make(bson.A, 0, len(bids))
	for _, b := range bids {
		switch entry := b.(type) {
		case bson.M:
			sanitizeEntry(entry)
			clean = append(clean, entry)
		case bson.D:
			m := entry.Map()
			sanitizeEntry(m)
			clean = append(clean, m)
		}
	}
	doc["bids"] = clean
}

func sanitizeEntry(entry bson.M) {
	entry["amount"] = toFloat(entry["amount"])
	entry["bidder"] = toString(entry["bidder"])
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
