package ingest

import (
	"strings"
	"time"

	"github.com/basket/agentdeck/internal/audit"
	"github.com/basket/agentdeck/internal/model"
)

const defaultTaskTitle = "Untitled Task"

// upsertTask applies one inbound task entry to its card. Inserts append a
// created event; status transitions append a status_changed event. Returns
// whether the document changed.
func (e *Engine) upsertTask(db *model.DB, card *model.Card, in ReportTask, source string, now time.Time, limits Limits) bool {
	taskID := strings.TrimSpace(in.ID)
	if taskID == "" {
		audit.Record(audit.ActionTaskSkipped, "missing task id", card.ID)
		return false
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = defaultTaskTitle
	}
	status := model.NormalizeStatus(in.Status)
	rawStatus := strings.TrimSpace(in.Status)
	inCreated := parseReportTime(in.CreatedAt)
	inUpdated := parseReportTime(in.UpdatedAt)

	stored := db.FindTask(card.ID, taskID)
	if stored == nil {
		createdAt := firstNonZero(inCreated, inUpdated, now)
		updatedAt := firstNonZero(inUpdated, createdAt)
		task := &model.Task{
			ID:            taskID,
			CardID:        card.ID,
			Title:         title,
			Status:        status,
			RawStatus:     rawStatus,
			Source:        source,
			CreatedAt:     createdAt,
			UpdatedAt:     updatedAt,
			PreviewImages: e.validImages(in.PreviewImages, limits, card.ID+"/"+taskID),
		}
		db.Tasks = append(db.Tasks, task)
		e.appendHistory(db, &model.HistoryEvent{
			Event:     model.EventCreated,
			CardID:    card.ID,
			TaskID:    taskID,
			Title:     title,
			ToStatus:  status,
			ChangedAt: now,
		}, limits)
		return true
	}

	// A stored createdAt that equals updatedAt is a placeholder from a
	// report that carried no timestamps. A later report with a distinct
	// creation time repairs it.
	if !inCreated.IsZero() && stored.CreatedAt.Equal(stored.UpdatedAt) && !inCreated.Equal(stored.CreatedAt) {
		stored.CreatedAt = inCreated
	}

	prevStatus := stored.Status
	stored.Title = title
	stored.Status = status
	stored.RawStatus = rawStatus
	stored.Source = source
	stored.UpdatedAt = firstNonZero(inUpdated, stored.UpdatedAt, stored.CreatedAt)
	if len(in.PreviewImages) > 0 {
		stored.PreviewImages = e.validImages(in.PreviewImages, limits, card.ID+"/"+taskID)
	}

	if prevStatus != status {
		e.appendHistory(db, &model.HistoryEvent{
			Event:      model.EventStatusChanged,
			CardID:     card.ID,
			TaskID:     taskID,
			Title:      title,
			FromStatus: prevStatus,
			ToStatus:   status,
			ChangedAt:  now,
		}, limits)
	}
	return true
}

// parseReportTime accepts the RFC3339 shapes upstream tools emit. Anything
// else degrades to the zero time.
func parseReportTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func firstNonZero(times ...time.Time) time.Time {
	for _, t := range times {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// validImages filters inbound preview references: http(s) URLs and base64
// data images only, size-capped, deduplicated in order, truncated to the
// configured count. Drops are audited, not fatal.
func (e *Engine) validImages(images []string, limits Limits, subject string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, img := range images {
		img = strings.TrimSpace(img)
		if img == "" {
			continue
		}
		if !validImageRef(img) {
			audit.Record(audit.ActionImageDropped, "unsupported image reference", subject)
			continue
		}
		if len(img) > limits.PreviewMaxBytes {
			audit.Record(audit.ActionImageDropped, "image exceeds size limit", subject)
			continue
		}
		if _, dup := seen[img]; dup {
			continue
		}
		seen[img] = struct{}{}
		if len(out) == limits.PreviewMaxImages {
			audit.Record(audit.ActionImageDropped, "image count limit reached", subject)
			continue
		}
		out = append(out, img)
	}
	return out
}

func validImageRef(img string) bool {
	if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
		return true
	}
	return strings.HasPrefix(img, "data:image/") && strings.Contains(img, ";base64,")
}
