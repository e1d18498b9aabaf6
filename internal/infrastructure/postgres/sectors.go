package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// sectorLookupTimeout bounds the assignment query so a slow database never
// stalls a websocket accept.
const sectorLookupTimeout = 2 * time.Second

// SectorStore reads waiter sector assignments.
type SectorStore struct {
	pool *pgxpool.Pool
}

func NewSectorStore(pool *pgxpool.Pool) *SectorStore {
	return &SectorStore{pool: pool}
}

// TodaysSectors returns the sector ids assigned to the user today. The
// caller treats a timeout as an empty assignment list.
func (s *SectorStore) TodaysSectors(ctx context.Context, tenantID, userID int64) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, sectorLookupTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT sector_id
		FROM sector_assignments
		WHERE tenant_id = $1 AND user_id = $2 AND assigned_date = CURRENT_DATE
		ORDER BY sector_id`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("sector lookup: %w", err)
	}
	defer rows.Close()

	var sectors []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sector scan: %w", err)
		}
		sectors = append(sectors, id)
	}
	return sectors, rows.Err()
}
