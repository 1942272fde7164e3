package history

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// fakeCollection is an in-memory stand-in for *mongo.Collection that
// understands the filters and operators the store issues
type fakeCollection struct {
	mu   sync.Mutex
	docs []bson.M

	findErr    error
	updateErr  error
	replaceErr error
	deleteErr  error

	updates int
}

func (f *fakeCollection) match(doc, filter bson.M) bool {
	for k, v := range filter {
		if doc[k] != v {
			return false
		}
	}
	return true
}

func (f *fakeCollection) index(filter interface{}) int {
	fm := filter.(bson.M)
	for i, d := range f.docs {
		if f.match(d, fm) {
			return i
		}
	}
	return -1
}

func (f *fakeCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, f.findErr, nil)
	}
	i := f.index(filter)
	if i < 0 {
		return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
	}
	return mongo.NewSingleResultFromDocument(f.docs[i], nil, nil)
}

func (f *fakeCollection) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		return nil, f.updateErr
	}

	upsert := false
	for _, o := range opts {
		if o.Upsert != nil && *o.Upsert {
			upsert = true
		}
	}

	i := f.index(filter)
	result := &mongo.UpdateResult{}
	if i < 0 {
		if !upsert {
			return result, nil
		}
		doc := bson.M{"_id": primitive.NewObjectID()}
		for k, v := range filter.(bson.M) {
			doc[k] = v
		}
		f.docs = append(f.docs, doc)
		i = len(f.docs) - 1
		result.UpsertedCount = 1
	} else {
		result.MatchedCount = 1
		result.ModifiedCount = 1
	}

	doc := f.docs[i]
	u := update.(bson.M)
	if set, ok := u["$set"].(bson.M); ok {
		for k, v := range set {
			doc[k] = v
		}
	}
	if push, ok := u["$push"].(bson.M); ok {
		for k, v := range push {
			arr, _ := doc[k].(bson.A)
			doc[k] = append(arr, v)
		}
	}
	return result, nil
}

func (f *fakeCollection) ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return nil, f.replaceErr
	}
	doc := replacement.(bson.M)
	if i := f.index(filter); i >= 0 {
		f.docs[i] = doc
		return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	f.docs = append(f.docs, doc)
	return &mongo.UpdateResult{UpsertedCount: 1}, nil
}

func (f *fakeCollection) DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	i := f.index(filter)
	if i < 0 {
		return &mongo.DeleteResult{}, nil
	}
	f.docs = append(f.docs[:i], f.docs[i+1:]...)
	return &mongo.DeleteResult{DeletedCount: 1}, nil
}

func (f *fakeCollection) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func (f *fakeCollection) first() bson.M {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.docs) == 0 {
		return nil
	}
	return f.docs[0]
}
