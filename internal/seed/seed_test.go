package seed

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartql/heartql/internal/config"
	"github.com/heartql/heartql/internal/storage"
)

const heartCSV = "Age,Sex,Chest pain type,BP,ST depression,Thallium,Heart Disease\n" +
	"70,1,4,130,2.4,3,Presence\n" +
	"67,0,3,115,1.6,7,Absence\n" +
	"57,1,2,124,0.3,,Presence\n"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImportInfersAffinities(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "heart.csv", heartCSV)
	dbPath := filepath.Join(dir, "heart.db")

	report, err := Import(context.Background(), csvPath, dbPath, "heart_disease_info")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Rows)
	assert.Equal(t, []Column{
		{Name: "Age", Affinity: AffinityInteger},
		{Name: "Sex", Affinity: AffinityInteger},
		{Name: "Chest pain type", Affinity: AffinityInteger},
		{Name: "BP", Affinity: AffinityInteger},
		{Name: "ST depression", Affinity: AffinityReal},
		{Name: "Thallium", Affinity: AffinityInteger},
		{Name: "Heart Disease", Affinity: AffinityText},
	}, report.Columns)

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var avg float64
	require.NoError(t, db.QueryRow(`SELECT AVG("Age") FROM heart_disease_info`).Scan(&avg))
	assert.InDelta(t, 64.666, avg, 0.01)

	var nulls int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM heart_disease_info WHERE "Thallium" IS NULL`).Scan(&nulls))
	assert.Equal(t, 1, nulls)

	var typ string
	require.NoError(t, db.QueryRow(`SELECT typeof("ST depression") FROM heart_disease_info LIMIT 1`).Scan(&typ))
	assert.Equal(t, "real", typ)
}

func TestImportReplacesExistingTable(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "heart.db")

	_, err := Import(context.Background(), writeFile(t, dir, "a.csv", heartCSV), dbPath, "heart")
	require.NoError(t, err)
	report, err := Import(context.Background(), writeFile(t, dir, "b.csv", "Age\n41\n"), dbPath, "heart")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rows)

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM heart`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestImportFailureKeepsPreviousTable(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "heart.db")
	_, err := Import(context.Background(), writeFile(t, dir, "a.csv", heartCSV), dbPath, "heart")
	require.NoError(t, err)

	_, err = Import(context.Background(), writeFile(t, dir, "bad.csv", "Age\n41,extra\n"), dbPath, "heart")
	require.Error(t, err)

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM heart`).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestImportRejectsBadHeaders(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "heart.db")
	cases := map[string]string{
		"empty.csv":     "",
		"blank.csv":     "Age,,Sex\n1,2,3\n",
		"duplicate.csv": "Age,age\n1,2\n",
	}
	for name, content := range cases {
		_, err := Import(context.Background(), writeFile(t, dir, name, content), dbPath, "heart")
		assert.Error(t, err, name)
	}
	_, err := Import(context.Background(), writeFile(t, dir, "ok.csv", "Age\n1\n"), dbPath, " ")
	assert.Error(t, err)
}

func TestInferColumnsWidens(t *testing.T) {
	columns := inferColumns(
		[]string{"a", "b", "c", "d"},
		[][]string{{"1", "1", "1", ""}, {"2", "2.5", "x", ""}, {"", "3"}},
	)
	assert.Equal(t, []Affinity{AffinityInteger, AffinityReal, AffinityText, AffinityText},
		[]Affinity{columns[0].Affinity, columns[1].Affinity, columns[2].Affinity, columns[3].Affinity})
}

func TestFindCSV(t *testing.T) {
	dir := t.TempDir()
	_, err := FindCSV(dir)
	require.Error(t, err)

	writeFile(t, dir, "heart_disease.csv", "Age\n1\n")
	writeFile(t, dir, "heart.csv", "Age\n1\n")
	found, err := FindCSV(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "heart.csv"), found)
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return storage.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: time.Now()}, nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func TestCommandImportsAndUploads(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "heart.csv", heartCSV)
	dbPath := filepath.Join(dir, "heart.db")
	store := &memStore{objects: map[string][]byte{}}

	cfg := config.Config{Database: config.DatabaseConfig{Path: dbPath, Table: "heart_disease_info"}}
	cmd := NewCommand(cfg, slog.New(slog.DiscardHandler), func(context.Context) (storage.ObjectStore, error) {
		return store, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--csv", csvPath, "--upload-key", "datasets/heart.db"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), "3 rows written to table heart_disease_info")
	assert.Contains(t, out.String(), "uploaded datasets/heart.db")

	local, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, local, store.objects["datasets/heart.db"])
}

func TestCommandSkipsUploadWithoutKey(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "heart.csv", heartCSV)
	cfg := config.Config{Database: config.DatabaseConfig{Path: filepath.Join(dir, "heart.db"), Table: "heart"}}

	cmd := NewCommand(cfg, slog.New(slog.DiscardHandler), nil)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--csv", csvPath})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.False(t, strings.Contains(out.String(), "uploaded"))
}
