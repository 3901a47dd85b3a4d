package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

const (
	ndjsonContentType = "application/x-ndjson"
	auditPrefix       = "archive/audit/"
	keyTimeLayout     = "20060102T150405Z"
	auditPageSize     = 1000
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
)

// auditLine is one archived audit entry.
type auditLine struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditArchiver implements domain.Archiver. It copies audit entries in
// [since, until) to archive/audit/<since>_<until>.jsonl. Entries are left in
// the primary store; pruning them is a separate, explicit step.
type AuditArchiver struct {
	writer domain.BlobWriter
	lister domain.BlobLister
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditArchiver creates an archiver. lister may be nil, in which case Run
// starts from one interval ago instead of where the last archive ended.
func NewAuditArchiver(writer domain.BlobWriter, lister domain.BlobLister, audit domain.AuditStore, logger *slog.Logger) *AuditArchiver {
	return &AuditArchiver{
		writer: writer,
		lister: lister,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// ArchiveAudit uploads the window and returns the number of entries written.
// An empty window uploads nothing. A window whose object already exists is
// skipped.
func (a *AuditArchiver) ArchiveAudit(ctx context.Context, since, until time.Time) (int64, error) {
	if !until.After(since) {
		return 0, fmt.Errorf("s3blob: archive audit: empty window %s..%s", since, until)
	}
	key := archiveKey(since, until)
	if a.lister != nil {
		exists, err := a.lister.Exists(ctx, key)
		if err != nil {
			return 0, err
		}
		if exists {
			a.logger.Debug("audit window already archived", slog.String("path", key))
			return 0, nil
		}
	}

	entries, err := a.collect(ctx, since, until)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), ndjsonContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))
	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":  key,
		"count": count,
		"since": since.UTC().Format(time.RFC3339),
		"until": until.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}
	a.logger.Info("audit archived", slog.String("path", key), slog.Int64("count", count))
	return count, nil
}

// collect pages through the window and returns entries oldest first.
func (a *AuditArchiver) collect(ctx context.Context, since, until time.Time) ([]auditLine, error) {
	var out []auditLine
	for offset := 0; ; offset += auditPageSize {
		page, err := a.audit.List(ctx, domain.ListOpts{
			Since:  &since,
			Until:  &until,
			Limit:  auditPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		for _, e := range page {
			out = append(out, auditLine{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt.UTC()})
		}
		if len(page) < auditPageSize {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Watermark returns the end of the newest archived window, or the zero time
// when nothing has been archived or no lister is configured.
func (a *AuditArchiver) Watermark(ctx context.Context) (time.Time, error) {
	if a.lister == nil {
		return time.Time{}, nil
	}
	infos, err := a.lister.List(ctx, auditPrefix)
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, info := range infos {
		if _, until, ok := parseArchiveKey(info.Path); ok && until.After(latest) {
			latest = until
		}
	}
	return latest, nil
}

// Run archives one window per interval, each starting where the previous one
// ended. It returns ctx.Err() when ctx is done.
func (a *AuditArchiver) Run(ctx context.Context, interval time.Duration) error {
	since, err := a.Watermark(ctx)
	if err != nil {
		a.logger.Warn("archive watermark unavailable", slog.String("error", err.Error()))
	}
	if since.IsZero() {
		since = a.now().Add(-interval).UTC().Truncate(time.Minute)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			until := a.now().UTC().Truncate(time.Minute)
			if !until.After(since) {
				continue
			}
			if _, err := a.ArchiveAudit(ctx, since, until); err != nil {
				a.logger.Error("audit archive failed", slog.String("error", err.Error()))
				continue
			}
			since = until
		}
	}
}

func archiveKey(since, until time.Time) string {
	return fmt.Sprintf("%s%s_%s.jsonl", auditPrefix,
		since.UTC().Format(keyTimeLayout), until.UTC().Format(keyTimeLayout))
}

func parseArchiveKey(key string) (since, until time.Time, ok bool) {
	name := strings.TrimSuffix(path.Base(key), ".jsonl")
	from, to, found := strings.Cut(name, "_")
	if !found {
		return time.Time{}, time.Time{}, false
	}
	s, err1 := time.Parse(keyTimeLayout, from)
	u, err2 := time.Parse(keyTimeLayout, to)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	return s, u, true
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*AuditArchiver)(nil)
