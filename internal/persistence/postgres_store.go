package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tkivisto/syncroom/pkg/api"
)

// PostgresEntityStore is an EntityStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib" or "github.com/lib/pq").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresEntityStore struct {
	db *sql.DB
}

// Ensure PostgresEntityStore implements EntityStore.
var _ EntityStore = (*PostgresEntityStore)(nil)

// NewPostgresEntityStore initializes the required schema in the given
// database and returns a new PostgresEntityStore.
func NewPostgresEntityStore(db *sql.DB) (*PostgresEntityStore, error) {
	s := &PostgresEntityStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresEntityStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS blocks (
			workflow_id TEXT NOT NULL,
			block_id TEXT NOT NULL,
			block_type TEXT NOT NULL,
			meta BYTEA,
			subblocks BYTEA,
			PRIMARY KEY (workflow_id, block_id)
		);
		CREATE TABLE IF NOT EXISTS variables (
			workflow_id TEXT NOT NULL,
			variable_id TEXT NOT NULL,
			fields BYTEA,
			PRIMARY KEY (workflow_id, variable_id)
		);
		CREATE TABLE IF NOT EXISTS edges (
			workflow_id TEXT NOT NULL,
			edge_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			PRIMARY KEY (workflow_id, edge_id)
		);
	`)
	return err
}

func (s *PostgresEntityStore) AddBlock(ctx context.Context, workflowID string, block api.Block) error {
	meta, err := encodeFields(block.Meta)
	if err != nil {
		return err
	}
	subblocks, err := encodeFields(block.Subblocks)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blocks (workflow_id, block_id, block_type, meta, subblocks)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, block_id) DO UPDATE
		SET block_type = EXCLUDED.block_type, meta = EXCLUDED.meta, subblocks = EXCLUDED.subblocks`,
		workflowID, block.ID, block.Type, meta, subblocks,
	)
	return err
}

func (s *PostgresEntityStore) GetBlock(ctx context.Context, workflowID, blockID string) (api.Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT block_id, block_type, meta, subblocks
		FROM blocks
		WHERE workflow_id = $1 AND block_id = $2`,
		workflowID, blockID,
	)
	return scanBlock(row)
}

func (s *PostgresEntityStore) UpdateBlockMeta(ctx context.Context, workflowID, blockID string, fields map[string]any) error {
	return s.mergeBlockColumn(ctx, workflowID, blockID, "meta", func(m map[string]any) {
		for k, v := range fields {
			m[k] = v
		}
	})
}

func (s *PostgresEntityStore) RemoveBlock(ctx context.Context, workflowID, blockID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM blocks WHERE workflow_id = $1 AND block_id = $2`,
		workflowID, blockID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrBlockNotFound
	}
	return nil
}

func (s *PostgresEntityStore) UpdateSubblockValue(ctx context.Context, workflowID, blockID, subblockID string, value any) error {
	return s.mergeBlockColumn(ctx, workflowID, blockID, "subblocks", func(m map[string]any) {
		m[subblockID] = value
	})
}

// mergeBlockColumn re-reads one JSON column of a block inside a transaction
// with the row locked (SELECT ... FOR UPDATE), applies the merge, and writes
// the column back.
func (s *PostgresEntityStore) mergeBlockColumn(ctx context.Context, workflowID, blockID, column string, merge func(map[string]any)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	row := tx.QueryRowContext(ctx,
		`SELECT `+column+` FROM blocks WHERE workflow_id = $1 AND block_id = $2 FOR UPDATE`,
		workflowID, blockID,
	)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.ErrBlockNotFound
		}
		return err
	}

	m, err := decodeFields(raw)
	if err != nil {
		return fmt.Errorf("decode block %s.%s: %w", blockID, column, err)
	}
	merge(m)

	encoded, err := encodeFields(m)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE blocks SET `+column+` = $1 WHERE workflow_id = $2 AND block_id = $3`,
		encoded, workflowID, blockID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresEntityStore) AddVariable(ctx context.Context, workflowID string, v api.Variable) error {
	fields, err := encodeFields(v.Fields)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO variables (workflow_id, variable_id, fields)
		VALUES ($1, $2, $3)
		ON CONFLICT (workflow_id, variable_id) DO UPDATE
		SET fields = EXCLUDED.fields`,
		workflowID, v.ID, fields,
	)
	return err
}

func (s *PostgresEntityStore) GetVariable(ctx context.Context, workflowID, variableID string) (api.Variable, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT variable_id, fields
		FROM variables
		WHERE workflow_id = $1 AND variable_id = $2`,
		workflowID, variableID,
	)

	var v api.Variable
	var raw []byte
	if err := row.Scan(&v.ID, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Variable{}, api.ErrVariableNotFound
		}
		return api.Variable{}, err
	}

	fields, err := decodeFields(raw)
	if err != nil {
		return api.Variable{}, fmt.Errorf("decode variable %s: %w", variableID, err)
	}
	v.Fields = fields
	return v, nil
}

func (s *PostgresEntityStore) RemoveVariable(ctx context.Context, workflowID, variableID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM variables WHERE workflow_id = $1 AND variable_id = $2`,
		workflowID, variableID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrVariableNotFound
	}
	return nil
}

func (s *PostgresEntityStore) UpdateVariableField(ctx context.Context, workflowID, variableID, field string, value any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	row := tx.QueryRowContext(ctx,
		`SELECT fields FROM variables WHERE workflow_id = $1 AND variable_id = $2 FOR UPDATE`,
		workflowID, variableID,
	)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.ErrVariableNotFound
		}
		return err
	}

	m, err := decodeFields(raw)
	if err != nil {
		return fmt.Errorf("decode variable %s: %w", variableID, err)
	}
	m[field] = value

	encoded, err := encodeFields(m)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE variables SET fields = $1 WHERE workflow_id = $2 AND variable_id = $3`,
		encoded, workflowID, variableID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresEntityStore) AddEdge(ctx context.Context, workflowID string, e api.Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (workflow_id, edge_id, source_id, target_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, edge_id) DO UPDATE
		SET source_id = EXCLUDED.source_id, target_id = EXCLUDED.target_id`,
		workflowID, e.ID, e.Source, e.Target,
	)
	return err
}

func (s *PostgresEntityStore) RemoveEdge(ctx context.Context, workflowID, edgeID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM edges WHERE workflow_id = $1 AND edge_id = $2`,
		workflowID, edgeID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrEdgeNotFound
	}
	return nil
}

func (s *PostgresEntityStore) ListEdges(ctx context.Context, workflowID string) ([]api.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_id, source_id, target_id
		FROM edges
		WHERE workflow_id = $1
		ORDER BY edge_id`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []api.Edge
	for rows.Next() {
		var e api.Edge
		if err := rows.Scan(&e.ID, &e.Source, &e.Target); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
