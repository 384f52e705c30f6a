package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/valentic/serialmux/internal/model"
)

// ConnectionRepository provides data access for channel connection history.
type ConnectionRepository struct {
	db *sql.DB
}

// NewConnectionRepository creates a new ConnectionRepository.
func NewConnectionRepository(db *sql.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `id, channel, remote_addr, mode, baud, status, tx_bytes, rx_bytes, reason, command, opened_at, closed_at`

// Create inserts a new connection record.
func (r *ConnectionRepository) Create(ctx context.Context, c *model.Connection) error {
	query := `
		INSERT INTO connections (id, channel, remote_addr, mode, baud, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		c.ID,
		c.Channel,
		c.RemoteAddr,
		c.Mode,
		c.Baud,
		c.Status,
		c.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*model.Connection, error) {
	c := &model.Connection{}
	var reason, command sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(
		&c.ID,
		&c.Channel,
		&c.RemoteAddr,
		&c.Mode,
		&c.Baud,
		&c.Status,
		&c.TxBytes,
		&c.RxBytes,
		&reason,
		&command,
		&c.OpenedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Reason = reason.String
	c.Command = command.String
	if closedAt.Valid {
		t := closedAt.Time
		c.ClosedAt = &t
	}
	return c, nil
}

// GetByID retrieves a connection by its ID.
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*model.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = ?`

	c, err := scanConnection(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return c, nil
}

// List retrieves connections matching the filter, newest first.
func (r *ConnectionRepository) List(ctx context.Context, filter model.ConnectionFilter) ([]*model.Connection, error) {
	var where []string
	var args []any
	if filter.Channel != nil {
		where = append(where, "channel = ?")
		args = append(args, *filter.Channel)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + connectionColumns + ` FROM connections`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY opened_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var connections []*model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return connections, nil
}

// Close records the end of a connection.
func (r *ConnectionRepository) Close(ctx context.Context, c *model.Connection) error {
	query := `
		UPDATE connections
		SET status = ?, tx_bytes = ?, rx_bytes = ?, reason = ?, command = ?, closed_at = ?
		WHERE id = ?
	`

	closedAt := time.Now()
	if c.ClosedAt != nil {
		closedAt = *c.ClosedAt
	}

	result, err := r.db.ExecContext(ctx, query,
		c.Status, c.TxBytes, c.RxBytes, c.Reason, c.Command, closedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrConnectionNotFound
	}

	return nil
}

// MarkAbandoned closes every record still open, left behind by a server
// that did not shut down cleanly.
func (r *ConnectionRepository) MarkAbandoned(ctx context.Context) (int64, error) {
	query := `
		UPDATE connections
		SET status = ?, closed_at = ?
		WHERE status = ?
	`

	result, err := r.db.ExecContext(ctx, query, model.ConnectionStatusAbandoned, time.Now(), model.ConnectionStatusOpen)
	if err != nil {
		return 0, fmt.Errorf("failed to mark abandoned connections: %w", err)
	}
	return result.RowsAffected()
}

// DeleteBefore removes closed records older than cutoff.
func (r *ConnectionRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM connections WHERE status != ? AND opened_at < ?`

	result, err := r.db.ExecContext(ctx, query, model.ConnectionStatusOpen, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune connections: %w", err)
	}
	return result.RowsAffected()
}

// CountOpen returns the number of connections still open.
func (r *ConnectionRepository) CountOpen(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM connections WHERE status = ?`

	var count int
	err := r.db.QueryRowContext(ctx, query, model.ConnectionStatusOpen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open connections: %w", err)
	}

	return count, nil
}
