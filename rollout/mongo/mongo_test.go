package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/hupe1980/codeagent/core"
)

type fakeCollection struct {
	docs      []lineDocument
	insertErr error
	lastCalls int
}

func (f *fakeCollection) InsertMany(_ context.Context, docs []any) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, d := range docs {
		f.docs = append(f.docs, d.(lineDocument))
	}
	return nil
}

func (f *fakeCollection) LastSeq(_ context.Context, sessionID string) (int64, error) {
	f.lastCalls++
	last := int64(-1)
	for _, d := range f.docs {
		if d.SessionID == sessionID && d.Seq > last {
			last = d.Seq
		}
	}
	return last, nil
}

func (f *fakeCollection) FindSession(_ context.Context, sessionID string) (cursor, error) {
	var out []lineDocument
	for _, d := range f.docs {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return &fakeCursor{docs: out, i: -1}, nil
}

func (f *fakeCollection) EnsureIndex(context.Context) error { return nil }

type fakeCursor struct {
	docs []lineDocument
	i    int
}

func (c *fakeCursor) Next(context.Context) bool {
	c.i++
	return c.i < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	*(val.(*lineDocument)) = c.docs[c.i]
	return nil
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

func TestStore_SequencesAppends(t *testing.T) {
	ctx := context.Background()
	coll := &fakeCollection{}
	s := newStore(nil, coll, time.Second, nil)

	require.NoError(t, s.Append(ctx, "a", core.MetaLine(core.SessionMeta{ID: "a"}), core.ItemLine(core.UserMessage("one"))))
	require.NoError(t, s.Append(ctx, "b", core.MetaLine(core.SessionMeta{ID: "b"})))
	require.NoError(t, s.Append(ctx, "a", core.ItemLine(core.AssistantMessage("two"))))

	var seqs []int64
	for _, d := range coll.docs {
		if d.SessionID == "a" {
			seqs = append(seqs, d.Seq)
		}
	}
	assert.Equal(t, []int64{0, 1, 2}, seqs)
	assert.Equal(t, 2, coll.lastCalls)

	lines, err := s.Load(ctx, "a")
	require.NoError(t, err)
	meta, items, err := core.ReplayRollout(lines)
	require.NoError(t, err)
	assert.Equal(t, "a", meta.ID)
	assert.Equal(t, []core.Item{core.UserMessage("one"), core.AssistantMessage("two")}, items)
}

func TestStore_ResumesSequenceFromExistingDocs(t *testing.T) {
	ctx := context.Background()
	coll := &fakeCollection{}
	require.NoError(t, newStore(nil, coll, 0, nil).Append(ctx, "a", core.EventLine("x"), core.EventLine("y")))

	// a second process continues after the stored maximum
	require.NoError(t, newStore(nil, coll, 0, nil).Append(ctx, "a", core.EventLine("z")))
	assert.Equal(t, int64(2), coll.docs[2].Seq)
}

func TestStore_InsertFailureResetsSequence(t *testing.T) {
	ctx := context.Background()
	coll := &fakeCollection{insertErr: errors.New("boom")}
	s := newStore(nil, coll, 0, nil)

	require.Error(t, s.Append(ctx, "a", core.EventLine("x")))
	_, cached := s.next["a"]
	assert.False(t, cached)
}

func TestStore_LoadSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	meta, err := json.Marshal(core.MetaLine(core.SessionMeta{ID: "a"}))
	require.NoError(t, err)
	coll := &fakeCollection{docs: []lineDocument{
		{SessionID: "a", Seq: 1, Line: []byte("{broken")},
		{SessionID: "a", Seq: 0, Line: meta},
	}}
	lines, err := newStore(nil, coll, 0, nil).Load(ctx, "a")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, core.LineSessionMeta, lines[0].Type)

	_, err = newStore(nil, coll, 0, nil).Load(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrRolloutNotFound)
}

func TestStore_Validation(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)
	s := newStore(nil, &fakeCollection{}, 0, nil)
	assert.Error(t, s.Append(context.Background(), "", core.EventLine("x")))
	assert.NoError(t, s.Append(context.Background(), "a"))
	assert.Error(t, s.Ping(context.Background()))
}

func TestStore_Integration(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := "codeagent_test_" + uuid.NewString()[:8]
	t.Cleanup(func() { _ = client.Database(db).Drop(context.Background()) })

	s, err := New(ctx, Options{Client: client, Database: db})
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))

	id := uuid.NewString()
	require.NoError(t, s.Append(ctx, id, core.MetaLine(core.SessionMeta{ID: id}), core.ItemLine(core.UserMessage("hi"))))
	require.NoError(t, s.Append(ctx, id, core.EventLine("task_complete")))

	lines, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "task_complete", lines[2].Event)
}
