// Package catalog exposes the read slice of the concert catalog this
// engine consumes. Catalog CRUD, search, and validation live in another
// service; only the window query the reminder generator needs is here.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/db"
)

// Reader is the catalog contract consumed by the reminder generator.
type Reader interface {
	// ActiveConcertsInWindow returns upcoming/ongoing concerts that have at
	// least one performance inside [from, to). Only performances inside the
	// window are populated on the returned concerts.
	ActiveConcertsInWindow(ctx context.Context, from, to time.Time) ([]*db.Concert, error)
}

// Store reads the catalog tables directly over pgx.
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

// NewStore creates a catalog reader backed by the shared database.
func NewStore(database *db.DB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger}
}

// ActiveConcertsInWindow implements Reader.
func (s *Store) ActiveConcertsInWindow(ctx context.Context, from, to time.Time) ([]*db.Concert, error) {
	query := `
		SELECT c.id, c.title, c.status, p.starts_at
		FROM concerts c
		JOIN concert_performances p ON p.concert_id = c.id
		WHERE c.status IN ($1, $2)
		  AND p.starts_at >= $3 AND p.starts_at < $4
		ORDER BY c.id, p.starts_at
	`

	rows, err := s.db.Pool().Query(ctx, query, db.ConcertUpcoming, db.ConcertOngoing, from, to)
	if err != nil {
		return nil, fmt.Errorf("query concerts in window: %w", err)
	}
	defer rows.Close()

	var concerts []*db.Concert
	byID := make(map[uuid.UUID]*db.Concert)

	for rows.Next() {
		var (
			id       uuid.UUID
			title    string
			status   string
			startsAt time.Time
		)
		if err := rows.Scan(&id, &title, &status, &startsAt); err != nil {
			return nil, fmt.Errorf("scan concert row: %w", err)
		}

		c, ok := byID[id]
		if !ok {
			c = &db.Concert{ID: id, Title: title, Status: status}
			byID[id] = c
			concerts = append(concerts, c)
		}
		c.Performances = append(c.Performances, startsAt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate concert rows: %w", err)
	}

	s.logger.Debug("catalog window scanned",
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("concerts", len(concerts)),
	)

	return concerts, nil
}
