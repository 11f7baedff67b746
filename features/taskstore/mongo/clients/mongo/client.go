// Package mongo hosts the MongoDB client used by the task store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/lodestar-ai/lodestar/runtime/agent/task"
)

const (
	defaultTasksCollection = "tasks"
	defaultOpTimeout       = 5 * time.Second
	taskClientName         = "taskstore-mongo"
)

// Client exposes Mongo-backed operations for task persistence.
type Client interface {
	health.Pinger

	PutTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// Options configures the Mongo task client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultTasksCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, fmt.Errorf("ensure task indexes: %w", err)
	}
	return &client{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return taskClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) PutTask(ctx context.Context, t *task.Task) error {
	if t == nil {
		return errors.New("task is required")
	}
	if t.ID == "" {
		return errors.New("task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := fromTask(t)
	filter := bson.M{"task_id": t.ID}
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put task %s: %w", t.ID, err)
	}
	return nil
}

func (c *client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	if id == "" {
		return nil, errors.New("task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc taskDocument
	if err := c.coll.FindOne(ctx, bson.M{"task_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return doc.toTask(), nil
}

func (c *client) DeleteTask(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.coll.DeleteOne(ctx, bson.M{"task_id": id}); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type taskDocument struct {
	TaskID        string         `bson:"task_id"`
	Name          string         `bson:"name"`
	Description   string         `bson:"description,omitempty"`
	Status        string         `bson:"status"`
	Progress      float64        `bson:"progress"`
	StartTime     time.Time      `bson:"start_time"`
	EndTime       *time.Time     `bson:"end_time,omitempty"`
	ParentID      string         `bson:"parent_id,omitempty"`
	Subtasks      []string       `bson:"subtasks,omitempty"`
	Dependencies  []string       `bson:"dependencies,omitempty"`
	AssignedTools []string       `bson:"assigned_tools,omitempty"`
	Artifacts     []string       `bson:"artifacts,omitempty"`
	Metadata      map[string]any `bson:"metadata,omitempty"`
	Error         string         `bson:"error,omitempty"`
	Result        any            `bson:"result,omitempty"`
}

func fromTask(t *task.Task) taskDocument {
	doc := taskDocument{
		TaskID:        t.ID,
		Name:          t.Name,
		Description:   t.Description,
		Status:        string(t.Status),
		Progress:      t.Progress,
		StartTime:     t.StartTime.UTC(),
		ParentID:      t.ParentID,
		Subtasks:      t.Subtasks,
		Dependencies:  t.Dependencies,
		AssignedTools: t.AssignedTools,
		Artifacts:     t.Artifacts,
		Metadata:      t.Metadata,
		Error:         t.Error,
		Result:        t.Result,
	}
	if t.EndTime != nil {
		end := t.EndTime.UTC()
		doc.EndTime = &end
	}
	return doc
}

func (doc taskDocument) toTask() *task.Task {
	t := &task.Task{
		ID:            doc.TaskID,
		Name:          doc.Name,
		Description:   doc.Description,
		Status:        task.Status(doc.Status),
		Progress:      doc.Progress,
		StartTime:     doc.StartTime.UTC(),
		ParentID:      doc.ParentID,
		Subtasks:      doc.Subtasks,
		Dependencies:  doc.Dependencies,
		AssignedTools: doc.AssignedTools,
		Artifacts:     doc.Artifacts,
		Error:         doc.Error,
		Result:        normalizeValue(doc.Result),
	}
	if doc.EndTime != nil {
		end := doc.EndTime.UTC()
		t.EndTime = &end
	}
	if doc.Metadata != nil {
		meta := make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			meta[k] = normalizeValue(v)
		}
		t.Metadata = meta
	}
	return t
}

// normalizeValue rewrites decoded BSON containers (bson.D, bson.M, bson.A)
// into plain maps and slices so values read back compare and type-assert the
// same as before the round trip.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = normalizeValue(e)
		}
		return m
	case bson.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	case bson.DateTime:
		return val.Time().UTC()
	default:
		return v
	}
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}
