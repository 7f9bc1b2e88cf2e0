package admission

import (
	"context"
	"fmt"
	"time"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
	"genproxy/internal/sqlinline"
)

// SQLGate calls the request_generation_slot database function.
type SQLGate struct {
	sql infra.SQLExecutor
}

func NewSQLGate(sql infra.SQLExecutor) *SQLGate {
	return &SQLGate{sql: sql}
}

func (g *SQLGate) RequestSlot(ctx context.Context, serverURL string, cooldown time.Duration) error {
	if _, err := g.sql.Exec(ctx, sqlinline.QRequestGenerationSlot, int(cooldown/time.Second), serverURL); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAdmissionUnavailable, err)
	}
	return nil
}
