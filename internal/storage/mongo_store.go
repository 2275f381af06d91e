package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/example/delivery-dispatch/internal/models"
)

// MongoStore keeps orders and riders as documents. Conditional updates rely
// on single-document atomicity: the expected prior state is part of the
// filter, so a write that loses a race matches nothing.
type MongoStore struct {
	client *mongo.Client
	orders *mongo.Collection
	riders *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("storage/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("storage/mongo: ping: %w", err)
	}
	db := client.Database(database)
	return &MongoStore{client: client, orders: db.Collection("orders"), riders: db.Collection("riders")}, nil
}

func (m *MongoStore) Ping(ctx context.Context) error { return m.client.Ping(ctx, nil) }

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	if err := m.orders.FindOne(ctx, bson.M{"_id": id}).Decode(&o); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage/mongo: get order: %w", err)
	}
	return &o, nil
}

func (m *MongoStore) SaveOrder(ctx context.Context, o *models.Order) error {
	doc := *o
	if doc.Delivery.Status == "" {
		doc.Delivery.Status = models.DeliveryUnassigned
	}
	// $push needs an array, not null.
	if doc.Delivery.Tracking == nil {
		doc.Delivery.Tracking = []models.TrackingPoint{}
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := m.orders.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("storage/mongo: save order: %w", err)
	}
	return nil
}

func (m *MongoStore) TransitionDelivery(ctx context.Context, id string, from []models.DeliveryStatus, to models.DeliveryStatus, patch DeliveryPatch) (*models.Order, error) {
	set := bson.M{"delivery.status": to, "delivery.updatedAt": time.Now().UTC()}
	if patch.RiderID != nil {
		set["delivery.riderId"] = *patch.RiderID
	}
	if patch.AssignmentType != nil {
		set["delivery.assignmentType"] = *patch.AssignmentType
	}
	filter := bson.M{"_id": id, "delivery.status": bson.M{"$in": from}}
	var o models.Order
	err := m.orders.FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, m.missOrConflict(ctx, m.orders, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage/mongo: transition delivery: %w", err)
	}
	return &o, nil
}

func (m *MongoStore) AppendTracking(ctx context.Context, id string, p models.TrackingPoint, riderID string) error {
	res, err := m.orders.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$push": bson.M{"delivery.tracking": p},
		"$set": bson.M{
			"delivery.location":  models.Coord{Lat: p.Lat, Lon: p.Lng},
			"delivery.updatedAt": time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("storage/mongo: append tracking: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	if riderID == "" {
		return nil
	}
	_, err = m.orders.UpdateOne(ctx,
		bson.M{
			"_id":              id,
			"delivery.riderId": bson.M{"$in": bson.A{nil, ""}},
			"delivery.status":  bson.M{"$in": bson.A{models.DeliveryRiderAssigned, models.DeliveryInTransit}},
		},
		bson.M{"$set": bson.M{"delivery.riderId": riderID}})
	if err != nil {
		return fmt.Errorf("storage/mongo: set tracking rider: %w", err)
	}
	return nil
}

func (m *MongoStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	var r models.Rider
	if err := m.riders.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage/mongo: get rider: %w", err)
	}
	return &r, nil
}

func (m *MongoStore) SaveRider(ctx context.Context, r *models.Rider) error {
	doc := *r
	doc.UpdatedAt = time.Now().UTC()
	if _, err := m.riders.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("storage/mongo: save rider: %w", err)
	}
	return nil
}

func (m *MongoStore) UpdatePresence(ctx context.Context, id string, loc models.Coord, online bool) error {
	res, err := m.riders.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"location":  loc,
		"isOnline":  online,
		"updatedAt": time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("storage/mongo: update presence: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) SetBusy(ctx context.Context, id string, from, to bool) error {
	res, err := m.riders.UpdateOne(ctx, bson.M{"_id": id, "isBusy": from},
		bson.M{"$set": bson.M{"isBusy": to, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("storage/mongo: set busy: %w", err)
	}
	if res.MatchedCount == 0 {
		return m.missOrConflict(ctx, m.riders, id)
	}
	return nil
}

func (m *MongoStore) CreditWallet(ctx context.Context, id string, amount float64) error {
	res, err := m.riders.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"walletBalance": amount}})
	if err != nil {
		return fmt.Errorf("storage/mongo: credit wallet: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) missOrConflict(ctx context.Context, coll *mongo.Collection, id string) error {
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("storage/mongo: count %s: %w", coll.Name(), err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}
