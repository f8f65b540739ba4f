package ingest

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/engramhq/engram/internal/kv"
	"github.com/engramhq/engram/internal/model"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedis = redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})

	if err := testRedis.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// fakePipeline counts conversations and returns a fixed number of
// decisions per conversation. Block, when set, holds each call until
// the release channel closes.
type fakePipeline struct {
	mu            sync.Mutex
	conversations int
	perConv       int
	block         chan struct{}
}

func (f *fakePipeline) ProcessConversation(ctx context.Context, userID string, conv model.Conversation, episodes []model.Episode) (int, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.conversations++
	f.mu.Unlock()
	return f.perConv, nil
}

func (f *fakePipeline) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations
}

// memDedup is an in-memory DedupStore.
type memDedup struct {
	mu   sync.Mutex
	seen map[string]string
}

func newMemDedup() *memDedup { return &memDedup{seen: map[string]string{}} }

func (d *memDedup) FileAlreadyIngested(ctx context.Context, userID, path, sha string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[userID+path] == sha, nil
}

func (d *memDedup) RecordIngestedFile(ctx context.Context, userID, path, sha string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[userID+path] = sha
	return nil
}

func writeLog(t *testing.T, root, project, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleLog = `{"type":"message","message":{"role":"user","content":"pick a queue"}}
{"type":"message","message":{"role":"assistant","content":"redis streams"}}
{"type":"conversation_end"}
{"type":"message","message":{"role":"user","content":"pick a cache"}}
{"type":"message","message":{"role":"assistant","content":"redis"}}
`

func newTestCoordinator(t *testing.T, root string, pipe Pipeline, dedup DedupStore) *Coordinator {
	t.Helper()
	if testing.Short() {
		t.Skip("redis integration test")
	}
	require.NoError(t, testRedis.FlushDB(context.Background()).Err())
	store := kv.NewWithClient(testRedis, testLogger())
	return NewCoordinator(Options{
		LogsRoot:     root,
		JobStateTTL:  time.Hour,
		CancelKeyTTL: 5 * time.Minute,
		EpisodeGap:   10 * time.Minute,
	}, store, dedup, pipe, testLogger())
}

func waitForTerminal(t *testing.T, c *Coordinator) map[string]string {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("job did not finish")
		case <-time.After(20 * time.Millisecond):
		}
		m, err := c.Progress(context.Background())
		require.NoError(t, err)
		if c.running.Load() {
			continue
		}
		switch m["status"] {
		case StatusCompleted, StatusCompletedWithErrors, StatusCancelled, StatusError:
			return m
		}
	}
}

func TestCoordinatorImportAndDedup(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "proj1", "a.jsonl", sampleLog)
	pipe := &fakePipeline{perConv: 1}
	dedup := newMemDedup()
	c := newTestCoordinator(t, root, pipe, dedup)

	jobID, err := c.Start(context.Background(), ImportRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	state := waitForTerminal(t, c)
	assert.Equal(t, StatusCompleted, state["status"])
	assert.Equal(t, "1", state["total_files"])
	assert.Equal(t, "1", state["processed_files"])
	assert.Equal(t, "2", state["decisions_extracted"])
	assert.Equal(t, 2, pipe.count())

	// Unchanged file is skipped on the second import.
	_, err = c.Start(context.Background(), ImportRequest{UserID: "u1"})
	require.NoError(t, err)
	state = waitForTerminal(t, c)
	assert.Equal(t, StatusCompleted, state["status"])
	assert.Equal(t, "0", state["decisions_extracted"])
	assert.Equal(t, 2, pipe.count())
}

func TestCoordinatorConflictWhileRunning(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "proj1", "a.jsonl", sampleLog)
	pipe := &fakePipeline{perConv: 1, block: make(chan struct{})}
	c := newTestCoordinator(t, root, pipe, newMemDedup())

	_, err := c.Start(context.Background(), ImportRequest{UserID: "u1"})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), ImportRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrJobRunning)

	close(pipe.block)
	waitForTerminal(t, c)
}

func TestCoordinatorCancelBetweenConversations(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "proj1", "a.jsonl", sampleLog)
	release := make(chan struct{})
	pipe := &fakePipeline{perConv: 1, block: release}
	c := newTestCoordinator(t, root, pipe, newMemDedup())

	_, err := c.Start(context.Background(), ImportRequest{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, c.Cancel(context.Background()))
	close(release)

	state := waitForTerminal(t, c)
	assert.Equal(t, StatusCancelled, state["status"])
	// The first conversation finished; the second never ran.
	assert.Equal(t, 1, pipe.count())
}

func TestCoordinatorProjectFilters(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "api-server", "a.jsonl", sampleLog)
	writeLog(t, root, "frontend", "b.jsonl", sampleLog)
	c := newTestCoordinator(t, root, &fakePipeline{}, newMemDedup())

	all, err := c.Files(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	api, err := c.Files(context.Background(), []string{"api"}, nil)
	require.NoError(t, err)
	require.Len(t, api, 1)
	assert.Equal(t, "api-server", api[0].ProjectName)

	noAPI, err := c.Files(context.Background(), nil, []string{"api"})
	require.NoError(t, err)
	require.Len(t, noAPI, 1)
	assert.Equal(t, "frontend", noAPI[0].ProjectName)
}

func TestCoordinatorPathTraversalGuard(t *testing.T) {
	root := t.TempDir()
	c := NewCoordinator(Options{LogsRoot: root}, nil, nil, &fakePipeline{}, testLogger())

	_, err := c.guardPath(filepath.Join(root, "..", "outside.jsonl"))
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, err = c.guardPath("/etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	abs, err := c.guardPath(filepath.Join(root, "proj", "ok.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "proj", "ok.jsonl"), abs)
}

func TestCoordinatorPreview(t *testing.T) {
	root := t.TempDir()
	path := writeLog(t, root, "proj1", "a.jsonl", sampleLog)
	c := NewCoordinator(Options{LogsRoot: root, EpisodeGap: 10 * time.Minute},
		nil, nil, &fakePipeline{}, testLogger())

	pv, err := c.PreviewFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, pv.Conversations)
	assert.Equal(t, 4, pv.Messages)
	assert.Equal(t, 2, pv.Episodes)
	assert.Equal(t, "proj1", pv.ProjectName)
}

func TestMatchesProject(t *testing.T) {
	assert.True(t, matchesProject("api-server", nil, nil))
	assert.True(t, matchesProject("api-server", []string{"api"}, nil))
	assert.False(t, matchesProject("frontend", []string{"api"}, nil))
	assert.False(t, matchesProject("api-server", []string{"api"}, []string{"server"}))
	assert.False(t, matchesProject("api-server", nil, []string{"api"}))
}
