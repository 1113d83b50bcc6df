package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a matter or stage record does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InsertMatter(ctx context.Context, item Matter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matters (id, tenant, reference, client_name, client_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Tenant, item.Reference, item.ClientName, item.ClientType)
	if err != nil {
		return fmt.Errorf("insert matter: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMatter(ctx context.Context, matterID string) (Matter, error) {
	var item Matter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, reference, client_name, client_type, created_at, updated_at
		FROM matters
		WHERE id=$1
	`, matterID).Scan(&item.ID, &item.Tenant, &item.Reference, &item.ClientName, &item.ClientType, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Matter{}, ErrNotFound
	}
	if err != nil {
		return Matter{}, fmt.Errorf("get matter: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListMatters(ctx context.Context, tenant string) ([]Matter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, reference, client_name, client_type, created_at, updated_at
		FROM matters
		WHERE ($1 = '' OR tenant = $1)
		ORDER BY updated_at DESC
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list matters: %w", err)
	}
	defer rows.Close()

	items := make([]Matter, 0)
	for rows.Next() {
		var item Matter
		if err := rows.Scan(&item.ID, &item.Tenant, &item.Reference, &item.ClientName, &item.ClientType, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan matter: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matters: %w", err)
	}
	return items, nil
}

// FetchStage loads the raw value map for one stage of a matter, or
// ErrNotFound when the stage has never been saved.
func (s *PostgresStore) FetchStage(ctx context.Context, matterID string, stage int) (map[string]string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM stage_records WHERE matter_id=$1 AND stage=$2
	`, matterID, stage).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch stage: %w", err)
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode stage data: %w", err)
	}
	return data, nil
}

// SaveStage upserts a stage record and returns the stored value map.
// The matter's updated_at moves with every stage save so list ordering
// tracks recent activity.
func (s *PostgresStore) SaveStage(ctx context.Context, matterID string, stage int, data map[string]string, updatedBy string) (map[string]string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode stage data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save stage: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored []byte
	err = tx.QueryRowContext(ctx, `
		INSERT INTO stage_records (matter_id, stage, data, color_status, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (matter_id, stage)
		DO UPDATE SET data=EXCLUDED.data, color_status=EXCLUDED.color_status, updated_by=EXCLUDED.updated_by, updated_at=NOW()
		RETURNING data
	`, matterID, stage, raw, data["colorStatus"], updatedBy).Scan(&stored)
	if err != nil {
		return nil, fmt.Errorf("upsert stage: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE matters SET updated_at=NOW() WHERE id=$1`, matterID); err != nil {
		return nil, fmt.Errorf("touch matter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save stage: %w", err)
	}

	var echoed map[string]string
	if err := json.Unmarshal(stored, &echoed); err != nil {
		return nil, fmt.Errorf("decode stored stage data: %w", err)
	}
	return echoed, nil
}

// StageColors returns the saved color status per stage for a matter.
func (s *PostgresStore) StageColors(ctx context.Context, matterID string) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, color_status FROM stage_records WHERE matter_id=$1
	`, matterID)
	if err != nil {
		return nil, fmt.Errorf("stage colors: %w", err)
	}
	defer rows.Close()

	colors := make(map[int]string)
	for rows.Next() {
		var stage int
		var color string
		if err := rows.Scan(&stage, &color); err != nil {
			return nil, fmt.Errorf("scan stage color: %w", err)
		}
		colors[stage] = color
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage colors: %w", err)
	}
	return colors, nil
}

// SummaryCounts returns total matters, matters with at least one
// non-green stage, and matters whose saved stages are all green.
func (s *PostgresStore) SummaryCounts(ctx context.Context) (total, outstanding, complete int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE EXISTS (
				SELECT 1 FROM stage_records sr WHERE sr.matter_id = m.id AND sr.color_status <> 'green'
			)),
			COUNT(*) FILTER (WHERE EXISTS (
				SELECT 1 FROM stage_records sr WHERE sr.matter_id = m.id
			) AND NOT EXISTS (
				SELECT 1 FROM stage_records sr WHERE sr.matter_id = m.id AND sr.color_status <> 'green'
			))
		FROM matters m
	`).Scan(&total, &outstanding, &complete)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("summary counts: %w", err)
	}
	return total, outstanding, complete, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
