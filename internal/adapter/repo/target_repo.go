package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// TargetRepositoryPG writes generation outcomes into the scenes and frames
// tables. It is the persistence sink behind jobqueue.Persistence: per-entity
// status is read back through these columns by the CRUD layer, never through
// the queue.
type TargetRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewTargetRepository creates a repository backed by PostgreSQL.
func NewTargetRepository(pool *pgxpool.Pool) *TargetRepositoryPG {
	return &TargetRepositoryPG{pool: pool}
}

// UpdateTarget records a job outcome on the referenced entity. The artifact
// reference and format only overwrite existing values when present; the
// error column always reflects the latest outcome.
func (r *TargetRepositoryPG) UpdateTarget(ctx context.Context, ref domain.TargetRef, update domain.TargetUpdate) error {
	var query string
	switch ref.Kind {
	case domain.TargetKindScene:
		query = `
UPDATE scenes
SET video_status = $2,
    video_url = COALESCE(NULLIF($3, ''), video_url),
    video_format = COALESCE(NULLIF($4, ''), video_format),
    video_error = $5,
    updated_at = NOW()
WHERE id = $1;
`
	case domain.TargetKindFrame:
		query = `
UPDATE frames
SET image_status = $2,
    image_url = COALESCE(NULLIF($3, ''), image_url),
    image_format = COALESCE(NULLIF($4, ''), image_format),
    image_error = $5,
    updated_at = NOW()
WHERE id = $1;
`
	default:
		return fmt.Errorf("unsupported target kind %q", ref.Kind)
	}

	tag, err := r.pool.Exec(ctx, query, ref.ID, update.Status, update.ArtifactRef, update.Format, update.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, ref.Kind, ref.ID)
	}
	return nil
}
