package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const insertRecord = `INSERT INTO labeled_records (id, identifier, source_device, event_ts, label, confidence, model_version, flags, fusion, emitted_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (id) DO NOTHING`

// RecordStore appends labeled records. Rows are never updated.
type RecordStore struct {
	db *sqlx.DB
}

func NewRecordStore(db *sqlx.DB) *RecordStore {
	return &RecordStore{db: db}
}

func (s *RecordStore) Append(ctx context.Context, rec domain.LabeledRecord) error {
	flags, err := json.Marshal(rec.Fusion.Flags)
	if err != nil {
		return fmt.Errorf("%w: marshal flags: %v", domain.ErrPersistence, err)
	}
	fusion, err := json.Marshal(rec.Fusion)
	if err != nil {
		return fmt.Errorf("%w: marshal fusion record: %v", domain.ErrPersistence, err)
	}

	_, err = s.db.ExecContext(ctx, insertRecord,
		rec.ID,
		rec.Fusion.Identifier,
		rec.Fusion.SourceDevice,
		rec.Fusion.Timestamp,
		rec.Label,
		rec.Confidence,
		rec.ModelVersion,
		flags,
		fusion,
		rec.EmittedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert record %s: %v", domain.ErrPersistence, rec.ID, err)
	}
	return nil
}

var _ ports.RecordStore = (*RecordStore)(nil)
