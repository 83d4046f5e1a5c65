package txn

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kbukum/flowgraph/database"
	"github.com/kbukum/flowgraph/errors"
)

// Record is the row holding one committed key. Values are stored as JSON, so
// numbers read back as float64.
type Record struct {
	Key       string `gorm:"column:record_key;primaryKey;size:512"`
	Value     []byte
	UpdatedAt time.Time
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return "flowgraph_txn_records" }

// DatabaseStore is a Store backed by a SQL table. Apply runs in one SQL
// transaction.
type DatabaseStore struct {
	db *database.DB
}

// NewDatabaseStore migrates the records table and returns a store.
func NewDatabaseStore(db *database.DB) (*DatabaseStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, errors.Storage("txn.migrate", err)
	}
	return &DatabaseStore{db: db}, nil
}

// Get implements Store.
func (s *DatabaseStore) Get(ctx context.Context, key string) (any, bool, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("record_key = ?", key).Take(&rec).Error
	if database.IsNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, database.FromDatabase(err, "txn.get", "txn record")
	}
	var v any
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, false, errors.Storage("txn.decode", err).WithDetail("key", key)
	}
	return v, true, nil
}

// Apply implements Store.
func (s *DatabaseStore) Apply(ctx context.Context, writes []Write) error {
	rows := make([]Record, 0, len(writes))
	for _, w := range writes {
		if w.Delete {
			continue
		}
		data, err := json.Marshal(w.Value)
		if err != nil {
			return errors.InvalidInput(w.Key, "value is not JSON encodable").WithCause(err)
		}
		rows = append(rows, Record{Key: w.Key, Value: data})
	}

	err := s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		i := 0
		for _, w := range writes {
			if w.Delete {
				if err := tx.Where("record_key = ?", w.Key).Delete(&Record{}).Error; err != nil {
					return err
				}
				continue
			}
			row := rows[i]
			i++
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "record_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return database.FromDatabase(err, "txn.apply", "txn record")
	}
	return nil
}
