package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/job"
	"github.com/eternahome/conduit/store"
)

// Collection name constants.
const (
	colJobs = "conduit_jobs"
	colDLQ  = "conduit_dlq"
)

// uniqueActiveIndex is the partial unique index enforcing at most one
// active job per (tenant, resource, type).
const uniqueActiveIndex = "uq_conduit_jobs_active"

var _ store.Store = (*Store)(nil)

// Store is a MongoDB implementation of store.Store.
type Store struct {
	client  *mongod.Client
	db      *mongod.Database
	ownsCli bool
	logger  *slog.Logger

	database string
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithDatabase sets the database name. Defaults to "conduit".
func WithDatabase(name string) Option {
	return func(s *Store) {
		s.database = name
	}
}

// New connects to MongoDB and creates a Store that owns the client
// lifecycle; Close disconnects it.
func New(ctx context.Context, uri string, opts ...Option) (*Store, error) {
	s := &Store{
		logger:   slog.Default(),
		database: "conduit",
		ownsCli:  true,
	}
	for _, opt := range opts {
		opt(s)
	}

	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("conduit/mongo: ping: %w", err)
	}

	s.client = client
	s.db = client.Database(s.database)
	return s, nil
}

// NewFromClient creates a Store on an existing client. The caller owns the
// client lifecycle; Close is a no-op.
func NewFromClient(client *mongod.Client, opts ...Option) *Store {
	s := &Store{
		client:   client,
		logger:   slog.Default(),
		database: "conduit",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.db = client.Database(s.database)
	return s
}

// Migrate creates the indexes for all conduit collections, including the
// partial unique index that enforces the single-active-job invariant.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("conduit/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client when the store owns it.
func (s *Store) Close() error {
	if !s.ownsCli {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

// Database returns the underlying database handle for advanced usage.
func (s *Store) Database() *mongod.Database { return s.db }

// ── helpers ──────────────────────────────────────────────────────

func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments returns true when err indicates no matching document.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKeyOn reports whether err is a duplicate key violation of the
// named index. Mongo reports the index name inside the E11000 message.
func isDuplicateKeyOn(err error, index string) bool {
	if err == nil || !mongod.IsDuplicateKeyError(err) {
		return false
	}
	return strings.Contains(err.Error(), index)
}

func migrationIndexes() map[string][]mongod.IndexModel {
	statuses := job.ActiveStatuses()
	active := make([]string, 0, len(statuses))
	for _, st := range statuses {
		active = append(active, string(st))
	}

	return map[string][]mongod.IndexModel{
		colJobs: {
			// Single-active-job invariant: unique over active statuses only,
			// so terminal history does not block resubmission.
			{
				Keys: bson.D{
					{Key: "tenant_id", Value: 1},
					{Key: "resource_ref", Value: 1},
					{Key: "job_type", Value: 1},
				},
				Options: options.Index().
					SetUnique(true).
					SetName(uniqueActiveIndex).
					SetPartialFilterExpression(bson.M{
						"status": bson.M{"$in": active},
					}),
			},
			// Tenant status listing.
			{Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "status", Value: 1},
				{Key: "created_at", Value: 1},
			}},
			// Status scans.
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		colDLQ: {
			{Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "failed_at", Value: -1},
			}},
			{Keys: bson.D{{Key: "failed_at", Value: -1}}},
		},
	}
}

// Compile-time checks that both subsystem interfaces are satisfied.
var (
	_ job.Store = (*Store)(nil)
	_ dlq.Store = (*Store)(nil)
)
