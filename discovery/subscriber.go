// Package discovery consumes raw path events from the bus and converts
// them into project rows: validate, extract metadata, upsert by path,
// publish the enriched lifecycle event, and hand new projects to the
// analysis queue.
package discovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/scanworks/prospector/bus"
	"github.com/scanworks/prospector/metrics"
	"github.com/scanworks/prospector/project"
	"github.com/scanworks/prospector/queue"
	"github.com/scanworks/prospector/storage"
)

// raceRetryDelay is the pause before re-reading after losing a
// unique-path creation race.
const raceRetryDelay = 100 * time.Millisecond

// Subscriber turns watcher events into persisted projects.
type Subscriber struct {
	store     *storage.Store
	busClient *bus.Client
	analysisQ *queue.Queue
	extractor *project.Extractor
	logger    *slog.Logger
}

// New creates a Subscriber. A nil extractor gets a default one; a nil
// queue disables automatic analysis (one-shot scans).
func New(store *storage.Store, busClient *bus.Client, analysisQ *queue.Queue, extractor *project.Extractor, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if extractor == nil {
		extractor = project.NewExtractor(nil, logger)
	}
	return &Subscriber{
		store:     store,
		busClient: busClient,
		analysisQ: analysisQ,
		extractor: extractor,
		logger:    logger,
	}
}

// Run consumes path:added and path:removed events until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	sub, err := s.busClient.Subscribe(bus.EventPathAdded, bus.EventPathRemoved)
	if err != nil {
		return fmt.Errorf("subscribe to discovery events: %w", err)
	}
	defer sub.Unsubscribe()

	s.logger.Info("Discovery subscriber started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.Events():
			s.dispatch(ctx, ev)
		}
	}
}

// dispatch routes one raw path event.
func (s *Subscriber) dispatch(ctx context.Context, ev bus.Event) {
	var data bus.DiscoveryData
	if err := ev.DecodeData(&data); err != nil {
		s.logger.Warn("Dropping malformed discovery event", "type", ev.Type, "error", err)
		return
	}

	switch ev.Type {
	case bus.EventPathAdded:
		s.handleAdded(ctx, data.Path)
	case bus.EventPathRemoved:
		s.handleRemoved(ctx, data.Path)
	}
}

// ProcessPath runs the discovery upsert for a path outside the bus loop.
// Used by the one-shot scan command.
func (s *Subscriber) ProcessPath(ctx context.Context, path string) {
	s.handleAdded(ctx, path)
}

// handleAdded re-verifies the path, extracts metadata, and upserts the
// project by its unique path.
func (s *Subscriber) handleAdded(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		// Deleted between the watcher firing and us consuming.
		s.logger.Debug("Discovered path vanished, dropping", "path", path)
		return
	}

	meta, det := s.extractor.Extract(path)
	if !det.Valid {
		s.logger.Debug("Path is not a project, dropping",
			"path", path,
			"confidence", det.Confidence)
		return
	}

	existing, err := s.store.GetProjectByPath(ctx, path)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.create(ctx, path, meta)
	case err != nil:
		s.logger.Error("Project lookup failed", "path", path, "error", err)
	default:
		s.rediscover(ctx, existing, meta)
	}
}

// create inserts a new DISCOVERED project. Losing the unique-path race
// means another replica created it first; re-read and treat the event as
// a re-discovery.
func (s *Subscriber) create(ctx context.Context, path string, meta project.Metadata) {
	row := projectRow(path, meta)
	err := s.store.CreateProject(ctx, row)
	if errors.Is(err, storage.ErrDuplicatePath) {
		time.Sleep(raceRetryDelay)
		existing, readErr := s.store.GetProjectByPath(ctx, path)
		if readErr != nil {
			s.logger.Error("Re-read after unique race failed", "path", path, "error", readErr)
			return
		}
		s.rediscover(ctx, existing, meta)
		return
	}
	if err != nil {
		s.logger.Error("Project creation failed", "path", path, "error", err)
		return
	}

	metrics.ProjectsDiscovered.Inc()
	s.logger.Info("Project discovered",
		"project_id", row.ID,
		"path", path,
		"framework", meta.Framework,
		"language", meta.Language)

	s.publish(bus.EventProjectAdded, row.ID, bus.DiscoveryData{Path: path})
	s.enqueueAnalysis(ctx, row)
}

// enqueueAnalysis hands a newly discovered project to the analysis queue
// and flips it to QUEUED. Re-discoveries do not re-enqueue; analysis of
// a known project is an operator action.
func (s *Subscriber) enqueueAnalysis(ctx context.Context, row *storage.Project) {
	if s.analysisQ == nil {
		return
	}

	// QUEUED is written before the job becomes visible to workers; a
	// project stranded here by a failed enqueue is recovered by the
	// reset-stuck admin operation.
	if err := s.store.SetProjectStatus(ctx, row.ID, storage.StatusQueued); err != nil {
		s.logger.Warn("Status update to QUEUED failed", "project_id", row.ID, "error", err)
	}

	job, err := s.analysisQ.Enqueue(queue.Payload{
		ProjectID:   row.ID,
		ProjectPath: row.Path,
		ProjectName: row.Name,
		Priority:    "normal",
	})
	if err != nil {
		s.logger.Error("Analysis enqueue failed", "project_id", row.ID, "error", err)
		return
	}

	s.logger.Info("Analysis queued", "project_id", row.ID, "job_id", job.ID)
}

// rediscover refreshes detected fields and reactivates the row.
func (s *Subscriber) rediscover(ctx context.Context, existing *storage.Project, meta project.Metadata) {
	row := projectRow(existing.Path, meta)
	row.ID = existing.ID
	if err := s.store.UpdateProjectDiscovery(ctx, row); err != nil {
		s.logger.Error("Project re-discovery update failed",
			"project_id", existing.ID,
			"error", err)
		return
	}

	s.logger.Debug("Project re-discovered", "project_id", existing.ID, "path", existing.Path)
	s.publish(bus.EventProjectUpdated, existing.ID, bus.DiscoveryData{Path: existing.Path})
}

// handleRemoved archives the project. Missing rows are logged and
// dropped.
func (s *Subscriber) handleRemoved(ctx context.Context, path string) {
	row, err := s.store.ArchiveProjectByPath(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug("Removal for unknown path, dropping", "path", path)
		return
	}
	if err != nil {
		s.logger.Error("Project archival failed", "path", path, "error", err)
		return
	}

	s.logger.Info("Project archived", "project_id", row.ID, "path", path)
	s.publish(bus.EventProjectRemoved, row.ID, bus.DiscoveryData{Path: path})
}

func (s *Subscriber) publish(t bus.EventType, projectID string, payload any) {
	if s.busClient == nil {
		// One-shot scans run without a bus.
		return
	}
	ev, err := bus.NewEvent(t, projectID, payload)
	if err != nil {
		s.logger.Error("Event build failed", "type", t, "error", err)
		return
	}
	if err := s.busClient.Publish(ev); err != nil {
		s.logger.Warn("Event publish failed", "type", t, "error", err)
	}
}

// projectRow maps extracted metadata onto a storage row.
func projectRow(path string, meta project.Metadata) *storage.Project {
	row := &storage.Project{
		Name:        meta.Name,
		Path:        path,
		FileCount:   meta.FileCount,
		LinesOfCode: meta.LinesOfCode,
		SizeBytes:   meta.SizeBytes,
	}
	if meta.Framework != "" {
		row.Framework = sql.NullString{String: meta.Framework, Valid: true}
	}
	if meta.Language != "" {
		row.Language = sql.NullString{String: meta.Language, Valid: true}
	}
	if meta.PackageManager != "" {
		row.PackageManager = sql.NullString{String: meta.PackageManager, Valid: true}
	}
	if !meta.LastModified.IsZero() {
		row.LastModified = sql.NullTime{Time: meta.LastModified, Valid: true}
	}
	return row
}
