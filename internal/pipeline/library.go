package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/fetcharr/fetcharr/internal/mediaserver"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/store"
)

// libraryPageSize is the per-request page size for library hydration.
const libraryPageSize = 200

// handleLibrarySync fans out one sync job per configured media server.
func (e *Executor) handleLibrarySync(ctx context.Context, run *queue.Run) error {
	e.mu.RLock()
	ids := make([]string, 0, len(e.servers))
	for id := range e.servers {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		_, err := e.queue.AddIfNotExists(ctx, TypeLibrarySyncServer,
			SyncServerPayload{ServerID: id},
			fmt.Sprintf("%s:%s", TypeLibrarySyncServer, id),
			queue.Options{Priority: 1})
		if err != nil {
			return err
		}
	}
	return nil
}

// handleLibrarySyncServer pages one server's library and reconciles it with
// open requests: a title that appeared in the library completes its request.
// The cursor survives retries of the same job so a crash resumes paging
// instead of restarting.
func (e *Executor) handleLibrarySyncServer(ctx context.Context, run *queue.Run) error {
	var p SyncServerPayload
	if err := decodePayload(run.Job.Payload, &p); err != nil {
		return err
	}

	server, ok := e.server(p.ServerID)
	if !ok {
		return fmt.Errorf("media server %q not configured", p.ServerID)
	}

	offset, total := e.resumeCursor(ctx, run.Job.ID)
	reconciled := int64(0)

	for {
		if run.Cancelled() {
			return nil
		}

		items, err := server.FetchLibrary(ctx, mediaserver.FetchOptions{
			Offset: offset,
			Limit:  libraryPageSize,
		})
		if err != nil {
			return fmt.Errorf("failed to fetch library page at offset %d: %w", offset, err)
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			n, err := e.reconcileLibraryItem(ctx, item)
			if err != nil {
				return err
			}
			reconciled += n
		}

		offset += len(items)
		total += int64(len(items))
		jobID := run.Job.ID
		if err := e.store.SaveSyncState(ctx, store.SyncState{
			LastExternalID: items[len(items)-1].ExternalID,
			TotalCount:     total,
			ActiveJobID:    &jobID,
		}); err != nil {
			return err
		}
		if total > 0 {
			run.Progress(int64(offset), total)
		}

		if len(items) < libraryPageSize {
			break
		}
	}

	if err := e.store.ClearSyncCursor(ctx); err != nil {
		return err
	}

	e.logger.Info().
		Str("server", p.ServerID).
		Int("items", offset).
		Int64("reconciled", reconciled).
		Msg("Library sync complete")
	return run.SetResult(map[string]int64{"items": int64(offset), "reconciled": reconciled})
}

// resumeCursor returns the paging offset for this job: a retry of the job
// that owns the cursor resumes where it left off, anything else starts over.
func (e *Executor) resumeCursor(ctx context.Context, jobID int64) (int, int64) {
	state, err := e.store.GetSyncState(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn().Err(err).Msg("Failed to load sync cursor")
		}
		return 0, 0
	}
	if state.ActiveJobID == nil || *state.ActiveJobID != jobID {
		return 0, 0
	}
	e.logger.Info().Int64("offset", state.TotalCount).Msg("Resuming library sync from cursor")
	return int(state.TotalCount), state.TotalCount
}

// reconcileLibraryItem completes any open request whose title the library
// now holds.
func (e *Executor) reconcileLibraryItem(ctx context.Context, item mediaserver.LibraryItem) (int64, error) {
	req, err := e.store.FindActiveRequestByExternalID(ctx, item.ExternalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	e.logger.Info().
		Int64("requestId", req.ID).
		Str("externalId", item.ExternalID).
		Str("title", req.Title).
		Msg("Request found in library, marking complete")
	if err := e.store.UpdateRequestStatus(ctx, req.ID, store.RequestComplete, "Found in library"); err != nil {
		return 0, err
	}
	return 1, nil
}
