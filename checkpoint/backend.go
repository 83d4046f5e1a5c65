package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gorm.io/gorm/clause"

	"github.com/kbukum/flowgraph/database"
	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/redis"
)

// MemoryBackend keeps checkpoints in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]*Checkpoint
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]*Checkpoint)}
}

// Put implements Backend.
func (b *MemoryBackend) Put(_ context.Context, cp *Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[cp.ExecutionID] = cp.Clone()
	return nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, executionID string) (*Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data[executionID].Clone(), nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, executionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, executionID)
	return nil
}

// Row is the SQL row of a checkpoint; the frontier is a JSON payload.
type Row struct {
	ExecutionID string    `gorm:"column:execution_id;primaryKey;size:191"`
	DAGID       string    `gorm:"column:dag_id;size:191;index"`
	Sequence    int64     `gorm:"column:sequence"`
	Payload     []byte    `gorm:"column:payload"`
	TakenAt     time.Time `gorm:"column:taken_at"`
}

// TableName implements gorm's tabler.
func (Row) TableName() string { return "flowgraph_checkpoints" }

// DatabaseBackend stores checkpoints in a SQL table.
type DatabaseBackend struct {
	db *database.DB
}

// NewDatabaseBackend migrates the checkpoint table and returns a backend.
func NewDatabaseBackend(db *database.DB) (*DatabaseBackend, error) {
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, errors.Storage("checkpoint.migrate", err)
	}
	return &DatabaseBackend{db: db}, nil
}

// Put implements Backend.
func (b *DatabaseBackend) Put(ctx context.Context, cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return errors.InvalidInput("checkpoint", "checkpoint is not JSON encodable").WithCause(err)
	}
	row := Row{
		ExecutionID: cp.ExecutionID,
		DAGID:       cp.DAGID,
		Sequence:    cp.Sequence,
		Payload:     payload,
		TakenAt:     cp.TakenAt,
	}
	err = b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"dag_id", "sequence", "payload", "taken_at"}),
	}).Create(&row).Error
	if err != nil {
		return database.FromDatabase(err, "checkpoint.put", "checkpoint")
	}
	return nil
}

// Get implements Backend.
func (b *DatabaseBackend) Get(ctx context.Context, executionID string) (*Checkpoint, error) {
	var row Row
	err := b.db.WithContext(ctx).Where("execution_id = ?", executionID).Take(&row).Error
	if database.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, database.FromDatabase(err, "checkpoint.get", "checkpoint")
	}
	var cp Checkpoint
	if err := json.Unmarshal(row.Payload, &cp); err != nil {
		return nil, errors.CheckpointCorruption(executionID, "payload is not valid JSON").WithCause(err)
	}
	return &cp, nil
}

// Delete implements Backend.
func (b *DatabaseBackend) Delete(ctx context.Context, executionID string) error {
	err := b.db.WithContext(ctx).Where("execution_id = ?", executionID).Delete(&Row{}).Error
	if err != nil {
		return database.FromDatabase(err, "checkpoint.delete", "checkpoint")
	}
	return nil
}

// RedisBackend stores checkpoints as JSON strings.
type RedisBackend struct {
	store *redis.TypedStore[Checkpoint]
	ttl   time.Duration
}

// NewRedisBackend creates a backend under prefix. ttl 0 keeps checkpoints
// until they are deleted.
func NewRedisBackend(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	return &RedisBackend{store: redis.NewTypedStore[Checkpoint](client, prefix), ttl: ttl}
}

// Put implements Backend.
func (b *RedisBackend) Put(ctx context.Context, cp *Checkpoint) error {
	if err := b.store.Save(ctx, cp.ExecutionID, cp, b.ttl); err != nil {
		return errors.Storage("checkpoint.put", err)
	}
	return nil
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, executionID string) (*Checkpoint, error) {
	cp, err := b.store.Load(ctx, executionID)
	if err != nil {
		return nil, errors.Storage("checkpoint.get", err)
	}
	return cp, nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, executionID string) error {
	if err := b.store.Delete(ctx, executionID); err != nil {
		return errors.Storage("checkpoint.delete", err)
	}
	return nil
}
