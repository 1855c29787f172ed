// Package redisstore is the durable statestore.Adapter implementation
// backed by Redis, grounded on the gomind framework's
// RedisCheckpointStore / RedisExecutionStore pattern: functional options
// for configuration, a key-prefix namespace, JSON-encoded records, and a
// per-record TTL for automatic garbage collection of old operations.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/statestore"
)

// Key layout:
//
//	{prefix}:op:{operationID}            -> JSON core.Operation
//	{prefix}:instance:{operationID}       -> JSON core.WorkflowInstance (includes OperationState)
//	{prefix}:steps:{instanceID}           -> Redis hash, stepID -> JSON core.StepResult
//	{prefix}:checkpoints:{operationID}    -> Redis list of JSON core.Checkpoint, append-only
//	{prefix}:active                       -> Redis set of operationIDs added on instance creation and never removed; readers skip terminal instances

type config struct {
	redisURL  string
	redisDB   int
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
	engineID  string
}

// Option configures a Store.
type Option func(*config)

// WithRedisURL sets the Redis connection URL.
func WithRedisURL(url string) Option { return func(c *config) { c.redisURL = url } }

// WithRedisDB sets the Redis logical database.
func WithRedisDB(db int) Option { return func(c *config) { c.redisDB = db } }

// WithKeyPrefix sets the namespace prefix for all keys.
func WithKeyPrefix(prefix string) Option { return func(c *config) { c.keyPrefix = prefix } }

// WithTTL sets the expiry applied to operation/instance/checkpoint records.
func WithTTL(ttl time.Duration) Option { return func(c *config) { c.ttl = ttl } }

// WithLogger injects a structured logger.
func WithLogger(l core.Logger) Option { return func(c *config) { c.logger = l } }

// WithEngineID sets the identity recorded as a workflow instance's lease
// owner on creation.
func WithEngineID(id string) Option { return func(c *config) { c.engineID = id } }

// Store is a Redis-backed statestore.Adapter.
type Store struct {
	client *redis.Client
	cfg    config
}

// New creates a Store from opts. If WithRedisURL is not provided it
// defaults to localhost:6379 DB 0, matching the framework's "optional
// dependency degrades to a sane local default" convention.
func New(opts ...Option) *Store {
	cfg := config{
		redisURL:  "redis://localhost:6379",
		keyPrefix: "opscore",
		ttl:       24 * time.Hour,
		logger:    core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	redisOpts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		redisOpts = &redis.Options{Addr: "localhost:6379"}
	}
	if cfg.redisDB != 0 {
		redisOpts.DB = cfg.redisDB
	}
	return &Store{client: redis.NewClient(redisOpts), cfg: cfg}
}

var _ statestore.Adapter = (*Store)(nil)

func (s *Store) opKey(opID string) string        { return fmt.Sprintf("%s:op:%s", s.cfg.keyPrefix, opID) }
func (s *Store) instanceKey(opID string) string   { return fmt.Sprintf("%s:instance:%s", s.cfg.keyPrefix, opID) }
func (s *Store) stepsKey(instanceID string) string {
	return fmt.Sprintf("%s:steps:%s", s.cfg.keyPrefix, instanceID)
}
func (s *Store) checkpointsKey(opID string) string {
	return fmt.Sprintf("%s:checkpoints:%s", s.cfg.keyPrefix, opID)
}
func (s *Store) activeSetKey() string { return fmt.Sprintf("%s:active", s.cfg.keyPrefix) }
func (s *Store) instanceIndexKey() string {
	return fmt.Sprintf("%s:instance_index", s.cfg.keyPrefix)
}

func (s *Store) CreateOperation(ctx context.Context, op *core.Operation) error {
	b, err := json.Marshal(op)
	if err != nil {
		return core.NewEngineError("redisstore.CreateOperation", core.KindStateConflict, op.ID, "marshal operation", err)
	}
	if err := s.client.SetNX(ctx, s.opKey(op.ID), b, s.cfg.ttl).Err(); err != nil {
		return core.NewEngineError("redisstore.CreateOperation", core.KindStateConflict, op.ID, "redis write failed", err)
	}
	return nil
}

func (s *Store) UpdateOperation(ctx context.Context, opID string, status core.OperationStatus, startedAt, completedAt *time.Time) error {
	op, err := s.GetOperation(ctx, opID)
	if err != nil {
		return err
	}
	op.Status = status
	if startedAt != nil {
		op.StartedAt = startedAt
	}
	if completedAt != nil {
		op.CompletedAt = completedAt
		if op.StartedAt != nil {
			op.ActualDuration = completedAt.Sub(*op.StartedAt)
		}
	}
	b, err := json.Marshal(op)
	if err != nil {
		return core.NewEngineError("redisstore.UpdateOperation", core.KindStateConflict, opID, "marshal operation", err)
	}
	return s.client.Set(ctx, s.opKey(opID), b, s.cfg.ttl).Err()
}

func (s *Store) GetOperation(ctx context.Context, opID string) (*core.Operation, error) {
	b, err := s.client.Get(ctx, s.opKey(opID)).Bytes()
	if err == redis.Nil {
		return nil, core.NewEngineError("redisstore.GetOperation", core.KindStateConflict, opID, "operation not found", core.ErrOperationNotFound)
	}
	if err != nil {
		return nil, core.NewEngineError("redisstore.GetOperation", core.KindStateConflict, opID, "redis read failed", err)
	}
	var op core.Operation
	if err := json.Unmarshal(b, &op); err != nil {
		return nil, core.NewEngineError("redisstore.GetOperation", core.KindStateConflict, opID, "unmarshal operation", err)
	}
	return &op, nil
}

func (s *Store) CreateWorkflowInstance(ctx context.Context, inst *core.WorkflowInstance) error {
	inst.Version = 1
	if inst.EngineID == "" {
		inst.EngineID = s.cfg.engineID
	}
	b, err := json.Marshal(inst)
	if err != nil {
		return core.NewEngineError("redisstore.CreateWorkflowInstance", core.KindStateConflict, inst.OperationID, "marshal instance", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.instanceKey(inst.OperationID), b, s.cfg.ttl)
	pipe.SAdd(ctx, s.activeSetKey(), inst.OperationID)
	pipe.HSet(ctx, s.instanceIndexKey(), inst.ID, inst.OperationID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return core.NewEngineError("redisstore.CreateWorkflowInstance", core.KindStateConflict, inst.OperationID, "redis write failed", err)
	}
	return nil
}

func (s *Store) GetWorkflowInstance(ctx context.Context, opID string) (*core.WorkflowInstance, error) {
	b, err := s.client.Get(ctx, s.instanceKey(opID)).Bytes()
	if err == redis.Nil {
		return nil, core.NewEngineError("redisstore.GetWorkflowInstance", core.KindStateConflict, opID, "workflow instance not found", core.ErrOperationNotFound)
	}
	if err != nil {
		return nil, core.NewEngineError("redisstore.GetWorkflowInstance", core.KindStateConflict, opID, "redis read failed", err)
	}
	var inst core.WorkflowInstance
	if err := json.Unmarshal(b, &inst); err != nil {
		return nil, core.NewEngineError("redisstore.GetWorkflowInstance", core.KindStateConflict, opID, "unmarshal instance", err)
	}
	return &inst, nil
}

func (s *Store) SaveStepResult(ctx context.Context, instanceID string, result core.StepResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return core.NewEngineError("redisstore.SaveStepResult", core.KindStateConflict, instanceID, "marshal step result", err)
	}
	if err := s.client.HSet(ctx, s.stepsKey(instanceID), result.StepID, b).Err(); err != nil {
		return core.NewEngineError("redisstore.SaveStepResult", core.KindStateConflict, instanceID, "redis write failed", err)
	}
	s.client.Expire(ctx, s.stepsKey(instanceID), s.cfg.ttl)
	return nil
}

func (s *Store) GetStepResults(ctx context.Context, instanceID string) ([]core.StepResult, error) {
	raw, err := s.client.HGetAll(ctx, s.stepsKey(instanceID)).Result()
	if err != nil {
		return nil, core.NewEngineError("redisstore.GetStepResults", core.KindStateConflict, instanceID, "redis read failed", err)
	}
	out := make([]core.StepResult, 0, len(raw))
	for _, v := range raw {
		var r core.StepResult
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp core.Checkpoint) (int64, error) {
	id, err := s.client.Incr(ctx, fmt.Sprintf("%s:checkpoint_seq:%s", s.cfg.keyPrefix, cp.OperationID)).Result()
	if err != nil {
		return 0, core.NewEngineError("redisstore.SaveCheckpoint", core.KindStateConflict, cp.OperationID, "sequence allocation failed", err)
	}
	cp.ID = id
	b, err := json.Marshal(cp)
	if err != nil {
		return 0, core.NewEngineError("redisstore.SaveCheckpoint", core.KindStateConflict, cp.OperationID, "marshal checkpoint", err)
	}
	if err := s.client.RPush(ctx, s.checkpointsKey(cp.OperationID), b).Err(); err != nil {
		return 0, core.NewEngineError("redisstore.SaveCheckpoint", core.KindStateConflict, cp.OperationID, "redis write failed", err)
	}
	s.client.Expire(ctx, s.checkpointsKey(cp.OperationID), s.cfg.ttl)
	return id, nil
}

func (s *Store) allCheckpoints(ctx context.Context, opID string) ([]core.Checkpoint, error) {
	raw, err := s.client.LRange(ctx, s.checkpointsKey(opID), 0, -1).Result()
	if err != nil {
		return nil, core.NewEngineError("redisstore.checkpoints", core.KindStateConflict, opID, "redis read failed", err)
	}
	out := make([]core.Checkpoint, 0, len(raw))
	for _, v := range raw {
		var cp core.Checkpoint
		if err := json.Unmarshal([]byte(v), &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, opID string, checkpointID int64) (*core.Checkpoint, error) {
	cps, err := s.allCheckpoints(ctx, opID)
	if err != nil {
		return nil, err
	}
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].ID == checkpointID {
			return &cps[i], nil
		}
	}
	return nil, core.NewEngineError("redisstore.GetCheckpoint", core.KindStateConflict, opID, "checkpoint not found", core.ErrCheckpointNotFound)
}

func (s *Store) GetLatestCheckpointBefore(ctx context.Context, opID string, atOrBefore int64) (*core.Checkpoint, error) {
	cps, err := s.allCheckpoints(ctx, opID)
	if err != nil {
		return nil, err
	}
	var best *core.Checkpoint
	for i := range cps {
		if cps[i].ID <= atOrBefore && (best == nil || cps[i].ID > best.ID) {
			c := cps[i]
			best = &c
		}
	}
	if best == nil {
		return nil, core.NewEngineError("redisstore.GetLatestCheckpointBefore", core.KindStateConflict, opID, "no checkpoint found", core.ErrCheckpointNotFound)
	}
	return best, nil
}

// UpdateState performs an optimistic CAS using Redis WATCH/MULTI over the
// instance key: the read-check-write is retried by the caller (not here)
// on core.ErrStateConflict, matching the adapter contract's "stale writes
// rejected and retried up to a small bound" guidance from the design.
func (s *Store) UpdateState(ctx context.Context, opID string, expectedVersion int64, mutate func(*core.OperationState)) (int64, error) {
	key := s.instanceKey(opID)
	var newVersion int64

	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var inst core.WorkflowInstance
		if err := json.Unmarshal(b, &inst); err != nil {
			return err
		}
		if inst.Version != expectedVersion {
			return core.NewEngineError("redisstore.UpdateState", core.KindStateConflict, opID, "version mismatch", core.ErrStateConflict)
		}
		state := inst.State.Clone()
		mutate(&state)
		state.LastUpdated = time.Now()
		inst.State = state
		inst.Version++
		inst.UpdatedAt = state.LastUpdated
		newVersion = inst.Version

		nb, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, s.cfg.ttl)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if err != nil {
		if ee, ok := err.(*core.EngineError); ok {
			return 0, ee
		}
		return 0, core.NewEngineError("redisstore.UpdateState", core.KindStateConflict, opID, "transaction failed", err)
	}
	return newVersion, nil
}

func (s *Store) FindStale(ctx context.Context, cutoff time.Time) ([]core.WorkflowInstance, error) {
	ids, err := s.client.SMembers(ctx, s.activeSetKey()).Result()
	if err != nil {
		return nil, core.NewEngineError("redisstore.FindStale", core.KindStateConflict, "", "redis read failed", err)
	}
	var out []core.WorkflowInstance
	for _, opID := range ids {
		inst, err := s.GetWorkflowInstance(ctx, opID)
		if err != nil || inst.Status.IsTerminal() {
			continue
		}
		if inst.UpdatedAt.Before(cutoff) {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (s *Store) ListActiveLeasedBy(ctx context.Context, engineID string) ([]core.WorkflowInstance, error) {
	ids, err := s.client.SMembers(ctx, s.activeSetKey()).Result()
	if err != nil {
		return nil, core.NewEngineError("redisstore.ListActiveLeasedBy", core.KindStateConflict, "", "redis read failed", err)
	}
	var out []core.WorkflowInstance
	for _, opID := range ids {
		inst, err := s.GetWorkflowInstance(ctx, opID)
		if err != nil || inst.Status.IsTerminal() {
			continue
		}
		if inst.EngineID == engineID || inst.EngineID == "" {
			out = append(out, *inst)
		}
	}
	return out, nil
}
