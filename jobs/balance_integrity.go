package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/atlas-logistics/atlas-core/internal/jobs"
)

// BalanceIntegrityJob cross-checks every account balance against the signed
// sum of its ledger entries. The posting path keeps them in one transaction,
// so any drift found here means operator intervention, not repair.
type BalanceIntegrityJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBalanceIntegrityJob initialises the integrity scan handler.
func NewBalanceIntegrityJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceIntegrityJob {
	return &BalanceIntegrityJob{Pool: pool, Logger: logger, Metrics: metrics}
}

// Handle executes the integrity scan.
func (j *BalanceIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("balance integrity: handler not configured")
	}
	tracker := j.Metrics.Track("balance_integrity")
	return tracker.End(j.scan(ctx))
}

func (j *BalanceIntegrityJob) scan(ctx context.Context) error {
	rows, err := j.Pool.Query(ctx, `
SELECT b.owner_kind, b.owner_id, b.balance::text, COALESCE(l.total, 0)::text
FROM account_balances b
LEFT JOIN (
  SELECT owner_kind, owner_id,
         SUM(CASE WHEN tx_type IN ('collection','deposit','refund') THEN amount ELSE -amount END) AS total
  FROM balance_transactions
  GROUP BY owner_kind, owner_id
) l ON l.owner_kind = b.owner_kind AND l.owner_id = b.owner_id
WHERE b.balance <> COALESCE(l.total, 0)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	driftByKind := make(map[string]int)
	for rows.Next() {
		var ownerKind, ownerID, balance, ledgerSum string
		if err := rows.Scan(&ownerKind, &ownerID, &balance, &ledgerSum); err != nil {
			return err
		}
		driftByKind[ownerKind]++
		j.Logger.Error("balance drift detected",
			slog.String("owner_kind", ownerKind),
			slog.String("owner_id", ownerID),
			slog.String("balance", balance),
			slog.String("ledger_sum", ledgerSum))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for kind, count := range driftByKind {
		j.Metrics.AddBalanceDrift(kind, count)
	}
	return nil
}
