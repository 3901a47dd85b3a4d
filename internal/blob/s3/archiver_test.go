package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

type memBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.mu.Lock()
	m.multipart++
	m.mu.Unlock()
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

// fakeAudit lists newest first, like the Postgres store.
type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	logged  []string
}

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logged = append(f.logged, event)
	return nil
}

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var in []domain.AuditEntry
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		in = append(in, e)
	}
	if opts.Offset >= len(in) {
		return nil, nil
	}
	in = in[opts.Offset:]
	if opts.Limit > 0 && len(in) > opts.Limit {
		in = in[:opts.Limit]
	}
	return in, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

func seedAudit(n int) *fakeAudit {
	f := &fakeAudit{}
	for i := 0; i < n; i++ {
		f.entries = append(f.entries, domain.AuditEntry{
			ID:        int64(i + 1),
			Event:     "trigger_cascade",
			Detail:    map[string]any{"n": i},
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		})
	}
	return f
}

func readLines(t *testing.T, data []byte) []auditLine {
	t.Helper()
	var out []auditLine
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var l auditLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		out = append(out, l)
	}
	return out
}

func TestArchiveAudit_UploadsWindowOldestFirst(t *testing.T) {
	blobs := newMemBlobs()
	audit := seedAudit(2500)
	a := NewAuditArchiver(blobs, blobs, audit, discardLogger())

	until := t0.Add(2000 * time.Second)
	n, err := a.ArchiveAudit(context.Background(), t0, until)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), n)

	key := archiveKey(t0, until)
	assert.Equal(t, "archive/audit/20260402T000000Z_20260402T003320Z.jsonl", key)
	lines := readLines(t, blobs.objects[key])
	require.Len(t, lines, 2000)
	assert.Equal(t, int64(1), lines[0].ID)
	assert.Equal(t, int64(2000), lines[1999].ID)
	assert.Equal(t, []string{"archive.audit"}, audit.logged)
	assert.Zero(t, blobs.multipart)
}

func TestArchiveAudit_SkipsExistingAndEmptyWindows(t *testing.T) {
	blobs := newMemBlobs()
	audit := seedAudit(10)
	a := NewAuditArchiver(blobs, blobs, audit, discardLogger())
	ctx := context.Background()

	_, err := a.ArchiveAudit(ctx, t0, t0.Add(5*time.Second))
	require.NoError(t, err)
	n, err := a.ArchiveAudit(ctx, t0, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = a.ArchiveAudit(ctx, t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, blobs.objects, 1)

	_, err = a.ArchiveAudit(ctx, t0, t0)
	assert.Error(t, err)
}

func TestWatermark_UsesNewestArchive(t *testing.T) {
	blobs := newMemBlobs()
	a := NewAuditArchiver(blobs, blobs, seedAudit(0), discardLogger())

	wm, err := a.Watermark(context.Background())
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	blobs.objects[archiveKey(t0, t0.Add(time.Hour))] = []byte("{}\n")
	blobs.objects[archiveKey(t0.Add(time.Hour), t0.Add(3*time.Hour))] = []byte("{}\n")
	blobs.objects["archive/audit/README"] = []byte("x")

	wm, err = a.Watermark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Hour), wm)

	noLister := NewAuditArchiver(blobs, nil, seedAudit(0), discardLogger())
	wm, err = noLister.Watermark(context.Background())
	require.NoError(t, err)
	assert.True(t, wm.IsZero())
}

func TestParseArchiveKey(t *testing.T) {
	s, u, ok := parseArchiveKey(archiveKey(t0, t0.Add(time.Minute)))
	require.True(t, ok)
	assert.Equal(t, t0, s)
	assert.Equal(t, t0.Add(time.Minute), u)

	_, _, ok = parseArchiveKey("archive/audit/garbage.jsonl")
	assert.False(t, ok)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("http://localhost:9000", true))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}
