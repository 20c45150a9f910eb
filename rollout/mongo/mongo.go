// Package mongo stores rollouts in MongoDB, one document per line ordered by
// a per-session sequence number.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
)

const (
	defaultCollection = "rollout_lines"
	defaultTimeout    = 5 * time.Second
)

type (
	// Options configure a Store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
		Logger     logging.Logger
	}

	// Store implements core.RolloutStore.
	Store struct {
		client  *mongodriver.Client
		coll    collection
		timeout time.Duration
		logger  logging.Logger

		mu   sync.Mutex
		next map[string]int64
	}

	lineDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		SessionID string        `bson:"session_id"`
		Seq       int64         `bson:"seq"`
		Type      string        `bson:"type"`
		Line      []byte        `bson:"line"`
		Timestamp time.Time     `bson:"timestamp"`
	}
)

// New returns a store and ensures the (session_id, seq) index.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	s := newStore(opts.Client, coll, opts.Timeout, opts.Logger)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := coll.EnsureIndex(ctx); err != nil {
		return nil, fmt.Errorf("create rollout index: %w", err)
	}
	return s, nil
}

func newStore(client *mongodriver.Client, coll collection, timeout time.Duration, logger logging.Logger) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		client:  client,
		coll:    coll,
		timeout: timeout,
		logger:  logging.OrNoOp(logger),
		next:    map[string]int64{},
	}
}

// Ping checks the server connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return errors.New("no mongo client")
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// Append implements core.RolloutStore. Appends for one session are
// serialised so sequence numbers stay gap free.
func (s *Store) Append(ctx context.Context, sessionID string, lines ...core.RolloutLine) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if len(lines) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.next[sessionID]
	if !ok {
		last, err := s.coll.LastSeq(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("read rollout sequence: %w", err)
		}
		seq = last + 1
	}

	docs := make([]any, 0, len(lines))
	for i, l := range lines {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode rollout line: %w", err)
		}
		docs = append(docs, lineDocument{
			SessionID: sessionID,
			Seq:       seq + int64(i),
			Type:      string(l.Type),
			Line:      data,
			Timestamp: l.Timestamp.UTC(),
		})
	}
	if err := s.coll.InsertMany(ctx, docs); err != nil {
		delete(s.next, sessionID)
		return fmt.Errorf("append rollout: %w", err)
	}
	s.next[sessionID] = seq + int64(len(lines))
	return nil
}

// Load implements core.RolloutStore.
func (s *Store) Load(ctx context.Context, sessionID string) (lines []core.RolloutLine, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.FindSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load rollout: %w", err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc lineDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		var l core.RolloutLine
		if err := json.Unmarshal(doc.Line, &l); err != nil {
			s.logger.Warn("Skipping malformed rollout line", "session_id", sessionID, "seq", doc.Seq, "error", err.Error())
			continue
		}
		lines = append(lines, l)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, core.ErrRolloutNotFound
	}
	return lines, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type collection interface {
	InsertMany(ctx context.Context, docs []any) error
	// LastSeq returns the highest sequence of sessionID, or -1.
	LastSeq(ctx context.Context, sessionID string) (int64, error)
	FindSession(ctx context.Context, sessionID string) (cursor, error)
	EnsureIndex(ctx context.Context) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertMany(ctx context.Context, docs []any) error {
	_, err := c.coll.InsertMany(ctx, docs)
	return err
}

func (c mongoCollection) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var doc lineDocument
	err := c.coll.FindOne(ctx, bson.M{"session_id": sessionID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (c mongoCollection) FindSession(ctx context.Context, sessionID string) (cursor, error) {
	cur, err := c.coll.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) EnsureIndex(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

var _ core.RolloutStore = (*Store)(nil)
