package core

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hart"
	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/store"
	"github.com/hivemesh/hive/pkg/wire"
)

const resultURLTTL = 15 * time.Minute

// ResultView is the read side of a harvested result: the durable row
// plus presigned URLs for anything that lives in the blob store.
type ResultView struct {
	Result    *models.JobResult
	Metrics   []models.JobMetric
	StdoutURL string
	FileURLs  map[string]string
}

// TaskArchive persists harvested results. Small stdout stays inline on
// the result row; oversized stdout and declared output files go to the
// blob store under results/<jobID>/. Writes are idempotent per job so
// retransmitted results collapse into one record.
type TaskArchive struct {
	blobs     hart.Store
	store     store.Store
	log       *hlog.Logger
	inlineMax int
}

func NewTaskArchive(blobs hart.Store, st store.Store, log *hlog.Logger, inlineMax int) *TaskArchive {
	return &TaskArchive{blobs: blobs, store: st, log: log, inlineMax: inlineMax}
}

// SaveResult uploads the payload's blobs and records the result row and
// run metrics. Safe to call again after a partial failure; uploads
// overwrite and the row upserts.
func (a *TaskArchive) SaveResult(ctx context.Context, res *wire.Result) error {
	row := &models.JobResult{
		JobID:    res.JobID,
		WorkerID: res.WorkerID,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
	}

	if len(res.Stdout) > a.inlineMax {
		key := hart.StdoutKey(res.JobID.String())
		_, err := a.blobs.Upload(ctx, key, strings.NewReader(res.Stdout), "text/plain", nil)
		if err != nil {
			return fmt.Errorf("archive stdout: %w", err)
		}
		row.Stdout = ""
		row.StdoutKey = key
	}

	for _, f := range res.Files {
		key := hart.ResultKey(res.JobID.String(), f.Path)
		meta := map[string]string{"path": f.Path}
		if f.Truncated {
			meta["truncated"] = "true"
		}
		_, err := a.blobs.Upload(ctx, key, bytes.NewReader(f.Content), "application/octet-stream", meta)
		if err != nil {
			return fmt.Errorf("archive file %s: %w", f.Path, err)
		}
		row.FileKeys = append(row.FileKeys, key)
	}

	if err := a.store.RecordResult(ctx, row); err != nil {
		return fmt.Errorf("record result: %w", err)
	}

	metric := &models.JobMetric{
		JobID:       res.JobID,
		WorkerID:    res.WorkerID,
		DurationSec: res.DurationSec,
		CPUPct:      res.CPUPct,
		MemMB:       res.MemMB,
	}
	if err := a.store.RecordMetrics(ctx, metric); err != nil {
		// The result row is already durable; losing one metrics sample
		// is not worth failing the resolution over.
		a.log.Warning(hlog.ModuleArchive, hlog.ActionPersistence, hlog.JobRef(res.JobID),
			"metrics write failed: %v", err)
	}
	return nil
}

// Result assembles the read view for one job, presigning URLs for
// blob-stored output.
func (a *TaskArchive) Result(ctx context.Context, jobID uuid.UUID) (*ResultView, error) {
	row, err := a.store.GetResult(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &ResultView{Result: row}

	if metrics, err := a.store.GetMetrics(ctx, jobID); err == nil {
		view.Metrics = metrics
	}

	if row.StdoutKey != "" {
		url, err := a.blobs.GetPresignedURL(ctx, row.StdoutKey, resultURLTTL)
		if err != nil {
			return nil, fmt.Errorf("presign stdout: %w", err)
		}
		view.StdoutURL = url
	}

	if len(row.FileKeys) > 0 {
		view.FileURLs = make(map[string]string, len(row.FileKeys))
		for _, key := range row.FileKeys {
			url, err := a.blobs.GetPresignedURL(ctx, key, resultURLTTL)
			if err != nil {
				return nil, fmt.Errorf("presign %s: %w", key, err)
			}
			view.FileURLs[key] = url
		}
	}
	return view, nil
}
