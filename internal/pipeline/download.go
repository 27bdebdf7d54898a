package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fetcharr/fetcharr/internal/downloader"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/release"
	"github.com/fetcharr/fetcharr/internal/store"
)

// downloadCategory tags our transfers in the download client.
const downloadCategory = "fetcharr"

// handleDownload runs the movie DOWNLOAD step: submit the selected release,
// poll until the client reports completion, then fan out one encode job per
// delivery target.
func (e *Executor) handleDownload(ctx context.Context, run *queue.Run) error {
	var p StepPayload
	if err := decodePayload(run.Job.Payload, &p); err != nil {
		return err
	}

	req, err := e.store.GetRequest(ctx, p.RequestID)
	if err != nil {
		return err
	}
	if req.Status != store.RequestDownloading {
		return nil
	}
	if req.SelectedRelease == nil {
		return e.ReportFailure(ctx, req.ID, fmt.Errorf("no release selected"))
	}

	var rel release.Release
	if err := json.Unmarshal([]byte(*req.SelectedRelease), &rel); err != nil {
		return fmt.Errorf("failed to decode selected release: %w", err)
	}

	file, err := e.downloadRelease(ctx, run, &rel)
	if err != nil {
		return err
	}
	if file == nil {
		// Cancelled or paused mid-transfer; the queue resolves the job.
		return nil
	}

	ok, err := e.store.TransitionRequestStatus(ctx, req.ID,
		[]store.RequestStatus{store.RequestDownloading},
		store.RequestEncoding, "Encoding for delivery targets")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return e.fanOutEncodes(ctx, req, nil, file.Path)
}

// downloadRelease submits a transfer and polls it to completion, reporting
// progress on the job. Returns (nil, nil) when the run was cancelled.
func (e *Executor) downloadRelease(ctx context.Context, run *queue.Run, rel *release.Release) (*downloader.VideoFile, error) {
	target := rel.DownloadURL
	if rel.MagnetURI != "" {
		target = rel.MagnetURI
	}

	hash, err := e.client.Add(ctx, target, downloader.AddOptions{Category: downloadCategory})
	if err != nil {
		return nil, fmt.Errorf("failed to submit transfer: %w", err)
	}

	e.logger.Info().
		Str("release", rel.Title).
		Str("hash", hash).
		Msg("Transfer submitted")

	ticker := time.NewTicker(e.cfg.DownloadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if run.Cancelled() {
			if err := e.client.Delete(context.Background(), hash, true); err != nil {
				e.logger.Warn().Err(err).Str("hash", hash).Msg("Failed to remove cancelled transfer")
			}
			return nil, nil
		}

		progress, err := e.client.GetProgress(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("failed to poll transfer: %w", err)
		}

		if progress.State == downloader.StateError {
			return nil, fmt.Errorf("transfer failed: %s", progress.Error)
		}
		if progress.TotalBytes > 0 {
			run.Progress(progress.DownloadedBytes, progress.TotalBytes)
		}
		if progress.IsComplete || progress.State.Finished() {
			break
		}
	}

	file, err := e.client.GetMainVideoFile(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve downloaded file: %w", err)
	}
	e.logger.Info().Str("path", file.Path).Int64("size", file.Size).Msg("Transfer complete")
	return file, nil
}

// fanOutEncodes enqueues one encode job per delivery target. itemID is set
// for series episode items, nil for movies.
func (e *Executor) fanOutEncodes(ctx context.Context, req *store.MediaRequest, itemID *int64, sourcePath string) error {
	for _, target := range req.Targets {
		payload := EncodePayload{
			RequestID:         req.ID,
			ItemID:            itemID,
			ServerID:          target.ServerID,
			EncodingProfileID: target.EncodingProfileID,
			SourcePath:        sourcePath,
		}
		key := fmt.Sprintf("%s:%d:%s", TypeEncode, req.ID, target.ServerID)
		if itemID != nil {
			key = fmt.Sprintf("%s:%d:%d:%s", TypeEncode, req.ID, *itemID, target.ServerID)
		}
		if _, err := e.queue.AddIfNotExists(ctx, TypeEncode, payload, key, queue.Options{
			Priority:  4,
			RequestID: &req.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}
