// Package mongostore persists billing projections in MongoDB. One
// document per user in the subscriptions collection; writes replace
// the whole projection inside a session transaction so the status and
// its derived flags commit together.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

const collectionName = "subscriptions"

// Store implements billing.Store on MongoDB.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// New returns a store using the given database. Call EnsureIndexes
// once at startup.
func New(client *mongo.Client, db *mongo.Database) *Store {
	return &Store{
		client: client,
		coll:   db.Collection(collectionName),
	}
}

// EnsureIndexes creates the lookup indexes. The provider subscription
// ID is unique so webhook resolution can never match two users.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "provider_subscription_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{
					{Key: "provider_subscription_id", Value: bson.D{{Key: "$type", Value: "string"}}},
				}),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "end_date", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create subscription indexes: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	return s.findOne(ctx, bson.D{{Key: "user_id", Value: userID.String()}})
}

func (s *Store) GetByProviderSubID(ctx context.Context, providerSubID string) (*billing.Subscription, error) {
	if providerSubID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	return s.findOne(ctx, bson.D{{Key: "provider_subscription_id", Value: providerSubID}})
}

func (s *Store) findOne(ctx context.Context, filter bson.D) (*billing.Subscription, error) {
	var doc subscriptionDoc
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return doc.toDomain()
}

// Save upserts the projection in a transaction. A single replace is
// already atomic in MongoDB; the session keeps the write retryable
// and mirrors how multi-document flows would extend this store.
func (s *Store) Save(ctx context.Context, sub *billing.Subscription) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		filter := bson.D{{Key: "user_id", Value: sub.UserID.String()}}
		_, err := s.coll.ReplaceOne(ctx, filter, fromDomain(sub), options.Replace().SetUpsert(true))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (s *Store) ListLapsed(ctx context.Context, now time.Time) ([]*billing.Subscription, error) {
	filter := bson.D{
		{Key: "status", Value: bson.D{{Key: "$in", Value: []string{
			string(billing.StatusActive),
			string(billing.StatusTrialing),
			string(billing.StatusPastDue),
		}}}},
		{Key: "end_date", Value: bson.D{{Key: "$lt", Value: now}}},
	}
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list lapsed subscriptions: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*billing.Subscription
	for cursor.Next(ctx) {
		var doc subscriptionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		sub, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

func (s *Store) Metrics(ctx context.Context) (*billing.Metrics, error) {
	cursor, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "status", Value: "$status"},
				{Key: "plan_id", Value: "$plan_id"},
				{Key: "is_subscribed", Value: "$is_subscribed"},
			}},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}
	defer cursor.Close(ctx)

	m := &billing.Metrics{
		ByStatus: make(map[billing.Status]int64),
		ByPlan:   make(map[string]int64),
	}
	for cursor.Next(ctx) {
		var row struct {
			ID struct {
				Status       string `bson:"status"`
				PlanID       string `bson:"plan_id"`
				IsSubscribed bool   `bson:"is_subscribed"`
			} `bson:"_id"`
			Count int64 `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode metrics row: %w", err)
		}
		m.Total += row.Count
		if row.ID.IsSubscribed {
			m.Subscribed += row.Count
		} else {
			m.Unsubscribed += row.Count
		}
		m.ByStatus[billing.Status(row.ID.Status)] += row.Count
		if row.ID.PlanID != "" {
			m.ByPlan[row.ID.PlanID] += row.Count
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return m, nil
}
