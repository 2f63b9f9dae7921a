/**
 * @description
 * Scheduled jobs for the settlement scheduler.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/seatshare/settlement-service/internal/domain"
)

// maxSweepBatches caps how many consecutive batches one run may request.
const maxSweepBatches = 20

// SettlementClient is the slice of the settlement service the jobs call.
type SettlementClient interface {
	ReleaseExpired(ctx context.Context, limit int) (domain.ReleaseSummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	client     SettlementClient
	logger     *slog.Logger
	batchSize  int
	runTimeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(client SettlementClient, logger *slog.Logger, batchSize int) *Jobs {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Jobs{
		client:     client,
		logger:     logger,
		batchSize:  batchSize,
		runTimeout: 10 * time.Minute,
	}
}

// ReleaseExpiredPayments drains deadline-passed retained payments batch by
// batch. It stops once a batch comes back short or releases nothing.
func (j *Jobs) ReleaseExpiredPayments() {
	j.logger.Info("starting retention sweep job", "batch_size", j.batchSize)
	ctx, cancel := context.WithTimeout(context.Background(), j.runTimeout)
	defer cancel()

	var total domain.ReleaseSummary
	batches := 0
	for batches < maxSweepBatches {
		summary, err := j.client.ReleaseExpired(ctx, j.batchSize)
		if err != nil {
			j.logger.Error("retention sweep batch failed", "batch", batches+1, "error", err)
			break
		}
		batches++
		total.Candidates += summary.Candidates
		total.Released += summary.Released
		total.Skipped += summary.Skipped
		total.Failed += summary.Failed

		if summary.Candidates < j.batchSize || summary.Released == 0 {
			break
		}
	}
	if batches == maxSweepBatches {
		j.logger.Warn("retention sweep hit batch cap; remaining payments wait for the next run", "batches", batches)
	}

	j.logger.Info("retention sweep job finished",
		"batches", batches,
		"candidates", total.Candidates,
		"released", total.Released,
		"skipped", total.Skipped,
		"failed", total.Failed,
	)
}
