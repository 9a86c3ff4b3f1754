package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

type memStore struct {
	objects map[string][]byte
}

func (m *memStore) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memStore) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for path, b := range m.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(b))})
		}
	}
	return infos, nil
}

func (m *memStore) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type fixedLogs struct {
	logs     []domain.SyncLog
	from, to time.Time
}

func (f *fixedLogs) ListBetween(_ context.Context, from, to time.Time) ([]domain.SyncLog, error) {
	f.from, f.to = from, to
	return f.logs, nil
}

func TestArchiveSyncLogs(t *testing.T) {
	ctx := context.Background()
	store := &memStore{objects: map[string][]byte{}}
	done := time.Date(2025, 1, 5, 10, 0, 1, 0, time.UTC)
	src := &fixedLogs{logs: []domain.SyncLog{
		{ID: uuid.New(), ConnectionID: uuid.New(), AttemptID: "01JH", Trigger: domain.TriggerSchedule,
			Status: domain.LogSuccess, StartedAt: done.Add(-time.Second), CompletedAt: &done, TradesSynced: 4},
		{ID: uuid.New(), ConnectionID: uuid.New(), AttemptID: "01JK", Trigger: domain.TriggerManual,
			Status: domain.LogFailed, StartedAt: done, ErrorMessage: "timeout: attempt exceeded 5m0s"},
	}}
	a := NewArchiver(store, store, src)

	n, err := a.ArchiveSyncLogs(ctx, time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), src.from)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), src.to)

	body, ok := store.objects["archive/sync_logs/2025-01.jsonl"]
	require.True(t, ok)
	sc := bufio.NewScanner(bytes.NewReader(body))
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "success", lines[0]["status"])
	assert.EqualValues(t, 4, lines[0]["trades_synced"])
	assert.NotContains(t, lines[1], "completed_at")

	// Already archived: no rewrite.
	src.logs = append(src.logs, src.logs[0])
	n, err = a.ArchiveSyncLogs(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, body, store.objects["archive/sync_logs/2025-01.jsonl"])
}

func TestReadArchivedSyncLogs(t *testing.T) {
	ctx := context.Background()
	store := &memStore{objects: map[string][]byte{
		"archive/sync_logs/notes.txt":    []byte("x"),
		"archive/sync_logs/latest.jsonl": []byte("{}"),
	}}
	done := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	want := domain.SyncLog{ID: uuid.New(), ConnectionID: uuid.New(), AttemptID: "01JM", Trigger: domain.TriggerSchedule,
		Status: domain.LogSuccess, StartedAt: done.Add(-time.Minute), CompletedAt: &done, TradesSynced: 7, TradesSkipped: 1}
	a := NewArchiver(store, store, &fixedLogs{logs: []domain.SyncLog{want}})

	_, err := a.ArchiveSyncLogs(ctx, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = a.ArchiveSyncLogs(ctx, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	months, err := a.ArchivedMonths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}, months)

	got, err := a.ReadSyncLogs(ctx, time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.ID, got[0].ID)
	assert.Equal(t, want.ConnectionID, got[0].ConnectionID)
	assert.Equal(t, domain.LogSuccess, got[0].Status)
	assert.Equal(t, 7, got[0].TradesSynced)
	require.NotNil(t, got[0].CompletedAt)
	assert.True(t, done.Equal(*got[0].CompletedAt))

	_, err = a.ReadSyncLogs(ctx, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArchiveEmptyMonthWritesNothing(t *testing.T) {
	store := &memStore{objects: map[string][]byte{}}
	n, err := NewArchiver(store, store, &fixedLogs{}).ArchiveSyncLogs(context.Background(), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.objects)
}

func TestClientKeys(t *testing.T) {
	c := &Client{prefix: "brokersync/prod"}
	assert.Equal(t, "brokersync/prod/uploads/a.csv", c.key("/uploads/a.csv"))
	assert.Equal(t, "uploads/a.csv", c.logical("brokersync/prod/uploads/a.csv"))

	bare := &Client{}
	assert.Equal(t, "uploads/a.csv", bare.key("uploads/a.csv"))

	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
