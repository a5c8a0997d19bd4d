package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tkivisto/syncroom/pkg/api"
)

// SQLiteEntityStore is an EntityStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Field maps are stored as JSON blobs; single-field merges happen inside a
// read-modify-write transaction so concurrent edits to different fields of
// the same entity are preserved.
type SQLiteEntityStore struct {
	db *sql.DB
}

// Ensure SQLiteEntityStore implements EntityStore.
var _ EntityStore = (*SQLiteEntityStore)(nil)

// NewSQLiteEntityStore initializes the required schema in the given
// database and returns a new SQLiteEntityStore.
func NewSQLiteEntityStore(db *sql.DB) (*SQLiteEntityStore, error) {
	s := &SQLiteEntityStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEntityStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS blocks (
			workflow_id TEXT NOT NULL,
			block_id TEXT NOT NULL,
			block_type TEXT NOT NULL,
			meta BLOB,
			subblocks BLOB,
			PRIMARY KEY (workflow_id, block_id)
		);
		CREATE TABLE IF NOT EXISTS variables (
			workflow_id TEXT NOT NULL,
			variable_id TEXT NOT NULL,
			fields BLOB,
			PRIMARY KEY (workflow_id, variable_id)
		);
		CREATE TABLE IF NOT EXISTS edges (
			workflow_id TEXT NOT NULL,
			edge_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			PRIMARY KEY (workflow_id, edge_id)
		);`,
	)
	return err
}

func (s *SQLiteEntityStore) AddBlock(ctx context.Context, workflowID string, block api.Block) error {
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
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, block_id) DO UPDATE
		SET block_type = excluded.block_type, meta = excluded.meta, subblocks = excluded.subblocks`,
		workflowID, block.ID, block.Type, meta, subblocks,
	)
	return err
}

func (s *SQLiteEntityStore) GetBlock(ctx context.Context, workflowID, blockID string) (api.Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT block_id, block_type, meta, subblocks
		FROM blocks
		WHERE workflow_id = ? AND block_id = ?`,
		workflowID, blockID,
	)
	return scanBlock(row)
}

func (s *SQLiteEntityStore) UpdateBlockMeta(ctx context.Context, workflowID, blockID string, fields map[string]any) error {
	return s.mergeBlockColumn(ctx, workflowID, blockID, "meta", func(m map[string]any) {
		for k, v := range fields {
			m[k] = v
		}
	})
}

func (s *SQLiteEntityStore) RemoveBlock(ctx context.Context, workflowID, blockID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM blocks WHERE workflow_id = ? AND block_id = ?`,
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

func (s *SQLiteEntityStore) UpdateSubblockValue(ctx context.Context, workflowID, blockID, subblockID string, value any) error {
	return s.mergeBlockColumn(ctx, workflowID, blockID, "subblocks", func(m map[string]any) {
		m[subblockID] = value
	})
}

// mergeBlockColumn re-reads one JSON column of a block inside a transaction,
// applies the merge, and writes the column back. Fields not touched by the
// merge are preserved verbatim.
func (s *SQLiteEntityStore) mergeBlockColumn(ctx context.Context, workflowID, blockID, column string, merge func(map[string]any)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	row := tx.QueryRowContext(ctx,
		`SELECT `+column+` FROM blocks WHERE workflow_id = ? AND block_id = ?`,
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
		`UPDATE blocks SET `+column+` = ? WHERE workflow_id = ? AND block_id = ?`,
		encoded, workflowID, blockID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteEntityStore) AddVariable(ctx context.Context, workflowID string, v api.Variable) error {
	fields, err := encodeFields(v.Fields)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO variables (workflow_id, variable_id, fields)
		VALUES (?, ?, ?)
		ON CONFLICT (workflow_id, variable_id) DO UPDATE
		SET fields = excluded.fields`,
		workflowID, v.ID, fields,
	)
	return err
}

func (s *SQLiteEntityStore) GetVariable(ctx context.Context, workflowID, variableID string) (api.Variable, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT variable_id, fields
		FROM variables
		WHERE workflow_id = ? AND variable_id = ?`,
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

func (s *SQLiteEntityStore) RemoveVariable(ctx context.Context, workflowID, variableID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM variables WHERE workflow_id = ? AND variable_id = ?`,
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

func (s *SQLiteEntityStore) UpdateVariableField(ctx context.Context, workflowID, variableID, field string, value any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	row := tx.QueryRowContext(ctx,
		`SELECT fields FROM variables WHERE workflow_id = ? AND variable_id = ?`,
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
		`UPDATE variables SET fields = ? WHERE workflow_id = ? AND variable_id = ?`,
		encoded, workflowID, variableID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteEntityStore) AddEdge(ctx context.Context, workflowID string, e api.Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (workflow_id, edge_id, source_id, target_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workflow_id, edge_id) DO UPDATE
		SET source_id = excluded.source_id, target_id = excluded.target_id`,
		workflowID, e.ID, e.Source, e.Target,
	)
	return err
}

func (s *SQLiteEntityStore) RemoveEdge(ctx context.Context, workflowID, edgeID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM edges WHERE workflow_id = ? AND edge_id = ?`,
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

func (s *SQLiteEntityStore) ListEdges(ctx context.Context, workflowID string) ([]api.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_id, source_id, target_id
		FROM edges
		WHERE workflow_id = ?
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

type blockRow interface {
	Scan(dest ...any) error
}

func scanBlock(row blockRow) (api.Block, error) {
	var b api.Block
	var meta, subblocks []byte
	if err := row.Scan(&b.ID, &b.Type, &meta, &subblocks); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Block{}, api.ErrBlockNotFound
		}
		return api.Block{}, err
	}

	m, err := decodeFields(meta)
	if err != nil {
		return api.Block{}, fmt.Errorf("decode block %s meta: %w", b.ID, err)
	}
	sb, err := decodeFields(subblocks)
	if err != nil {
		return api.Block{}, fmt.Errorf("decode block %s subblocks: %w", b.ID, err)
	}
	b.Meta = m
	b.Subblocks = sb
	return b, nil
}
