package worker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/simfarm/internal/archive"
	"github.com/animus-labs/simfarm/internal/artifacts"
	"github.com/animus-labs/simfarm/internal/queue"
	"github.com/animus-labs/simfarm/internal/queue/memqueue"
	store "github.com/animus-labs/simfarm/internal/storage/objectstore"
	"github.com/animus-labs/simfarm/internal/toolchain"
)

const fakeMake = `#!/bin/sh
case "$1" in
clean)
  rm -f sim
  exit 0
  ;;
MODE=release)
  cat > sim <<'SIM'
#!/bin/sh
mkdir -p results
echo "$@" > results/run.txt
exit ${SIM_EXIT:-0}
SIM
  exit ${MAKE_EXIT:-0}
  ;;
esac
exit 1
`

type harness struct {
	q         *memqueue.Queue
	artifacts *artifacts.Store
	pool      *Pool
	workDir   string
}

func newHarness(t *testing.T, cfg ExecutorConfig) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell fakes require a POSIX shell")
	}
	tmp := t.TempDir()
	if cfg.Make == "" {
		cfg.Make = writeScript(t, tmp, "make", fakeMake)
	}

	q := memqueue.New()
	art, err := artifacts.NewStore(store.NewMemoryStore(), "simfarm", "artifacts/")
	require.NoError(t, err)

	pool, err := NewPool(q, PoolConfig{WorkDir: filepath.Join(tmp, "work"), WorkerID: "test"}, nil)
	require.NoError(t, err)
	exec, err := NewExecutor(art, q, toolchain.Exec{}, cfg, nil)
	require.NoError(t, err)
	exec.Register(pool)

	return &harness{q: q, artifacts: art, pool: pool, workDir: filepath.Join(tmp, "work")}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func (h *harness) putSource(t *testing.T, key string) {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "model.ned"), []byte("network Net {}"), 0o644))
	data, err := archive.Pack(src, nil)
	require.NoError(t, err)
	require.NoError(t, h.artifacts.Put(context.Background(), key, data))
}

func (h *harness) runOnce(t *testing.T) {
	t.Helper()
	claimed, err := h.pool.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, claimed, "expected a claimable job")
}

func (h *harness) unpack(t *testing.T, key string) string {
	t.Helper()
	data, err := h.artifacts.Get(context.Background(), key)
	require.NoError(t, err)
	dest := t.TempDir()
	require.NoError(t, archive.Unpack(data, dest))
	return dest
}

func TestBuildStoresBinaryUnderJobID(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()
	h := newHarness(t, ExecutorConfig{})
	h.putSource(t, "model_source")

	build, err := h.q.Enqueue(ctx, queue.Submission{Func: queue.FuncBuild, Args: []string{"model_source"}})
	chk.NoError(err)
	h.runOnce(t)

	job, err := h.q.Job(ctx, build.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusFinished, job.Status)
	chk.Equal(build.ID, string(job.Result))
	chk.Equal("success", job.Meta[queue.MetaOutcome])

	tree := h.unpack(t, build.ID)
	chk.FileExists(filepath.Join(tree, "model.ned"))
	chk.FileExists(filepath.Join(tree, "sim"))

	_, err = os.Stat(filepath.Join(h.workDir, "slot-0"))
	chk.True(os.IsNotExist(err), "working directory must be removed")
}

func TestBuildFailureIsRecordedNotFatal(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()
	t.Setenv("MAKE_EXIT", "2")
	h := newHarness(t, ExecutorConfig{})
	h.putSource(t, "model_source")

	build, err := h.q.Enqueue(ctx, queue.Submission{Func: queue.FuncBuild, Args: []string{"model_source"}})
	chk.NoError(err)
	run, err := h.q.Enqueue(ctx, queue.Submission{Func: queue.FuncRun, Args: []string{build.ID, "./sim"}, DependsOn: build.ID})
	chk.NoError(err)
	h.runOnce(t)

	job, err := h.q.Job(ctx, build.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusFinished, job.Status)
	chk.Equal("exit:2", job.Meta[queue.MetaOutcome])

	status, err := h.q.Status(ctx, run.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusQueued, status)
}

func TestStrictBuildBlocksDependents(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()
	t.Setenv("MAKE_EXIT", "2")
	h := newHarness(t, ExecutorConfig{StrictBuild: true})
	h.putSource(t, "model_source")

	build, err := h.q.Enqueue(ctx, queue.Submission{Func: queue.FuncBuild, Args: []string{"model_source"}})
	chk.NoError(err)
	run, err := h.q.Enqueue(ctx, queue.Submission{Func: queue.FuncRun, Args: []string{build.ID, "./sim"}, DependsOn: build.ID})
	chk.NoError(err)
	h.runOnce(t)

	job, err := h.q.Job(ctx, build.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusFailed, job.Status)
	chk.Contains(job.Error, "exit:2")

	status, err := h.q.Status(ctx, run.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusBlocked, status)

	// the partial binary is still stored
	_, err = h.artifacts.Get(ctx, build.ID)
	chk.NoError(err)
}

func TestBuildMissingSourceFailsJob(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()
	h := newHarness(t, ExecutorConfig{})

	build, err := h.q.Enqueue(ctx, queue.Submission{Func: queue.FuncBuild, Args: []string{"missing"}})
	chk.NoError(err)
	h.runOnce(t)

	job, err := h.q.Job(ctx, build.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusFailed, job.Status)
	chk.Contains(job.Error, "fetch source")
}

func TestRunStoresResultsEvenOnNonZeroExit(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()
	t.Setenv("SIM_EXIT", "3")
	h := newHarness(t, ExecutorConfig{})
	h.putSource(t, "model_source")

	build, err := h.q.Enqueue(ctx, queue.Submission{Func: queue.FuncBuild, Args: []string{"model_source"}})
	chk.NoError(err)
	run, err := h.q.Enqueue(ctx, queue.Submission{
		Func:      queue.FuncRun,
		Args:      []string{build.ID, "./sim", "-c", "General", "-r", "5"},
		DependsOn: build.ID,
		Meta:      queue.Meta{queue.MetaRunNumber: "5"},
	})
	chk.NoError(err)
	h.runOnce(t)
	h.runOnce(t)

	job, err := h.q.Job(ctx, run.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusFinished, job.Status)
	chk.Equal(run.ID, string(job.Result))
	chk.Equal("exit:3", job.Meta[queue.MetaOutcome])
	chk.Equal("5", job.Meta[queue.MetaRunNumber])

	out := h.unpack(t, run.ID)
	got, err := os.ReadFile(filepath.Join(out, ResultsDir, "run.txt"))
	chk.NoError(err)
	chk.Equal("-c General -r 5", strings.TrimSpace(string(got)))
	_, err = os.Stat(filepath.Join(out, "sim"))
	chk.True(os.IsNotExist(err), "only the results directory is packed")
}

func TestRunMissingExecutableStoresEmptyResult(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()
	h := newHarness(t, ExecutorConfig{})

	binDir := t.TempDir()
	chk.NoError(os.WriteFile(filepath.Join(binDir, "README"), []byte("no binary"), 0o644))
	data, err := archive.Pack(binDir, nil)
	chk.NoError(err)
	chk.NoError(h.artifacts.Put(ctx, "bin", data))

	run, err := h.q.Enqueue(ctx, queue.Submission{Func: queue.FuncRun, Args: []string{"bin", "./sim"}})
	chk.NoError(err)
	h.runOnce(t)

	job, err := h.q.Job(ctx, run.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusFinished, job.Status)
	chk.Equal("error", job.Meta[queue.MetaOutcome])

	out := h.unpack(t, run.ID)
	entries, err := os.ReadDir(out)
	chk.NoError(err)
	chk.Empty(entries)
}

func TestRunRejectsEscapingExecutable(t *testing.T) {
	_, err := resolveExecutable("/tmp/work", "../sim")
	require.Error(t, err)
	p, err := resolveExecutable("/tmp/work", "out/sim")
	require.NoError(t, err)
	require.Equal(t, "/tmp/work/out/sim", p)
}

func TestRunRequiresArguments(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()
	h := newHarness(t, ExecutorConfig{})

	run, err := h.q.Enqueue(ctx, queue.Submission{Func: queue.FuncRun, Args: []string{"bin"}})
	chk.NoError(err)
	h.runOnce(t)

	status, err := h.q.Status(ctx, run.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusFailed, status)
}

func TestPoolFailsUnknownFunc(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()
	h := newHarness(t, ExecutorConfig{})

	job, err := h.q.Enqueue(ctx, queue.Submission{Func: "render"})
	chk.NoError(err)
	h.runOnce(t)

	got, err := h.q.Job(ctx, job.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusFailed, got.Status)
	chk.Contains(got.Error, `no handler registered for func "render"`)
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()
	h := newHarness(t, ExecutorConfig{})
	h.pool.Handle("explode", func(ctx context.Context, task Task) ([]byte, error) {
		panic("boom")
	})

	job, err := h.q.Enqueue(ctx, queue.Submission{Func: "explode"})
	chk.NoError(err)
	h.runOnce(t)

	got, err := h.q.Job(ctx, job.ID)
	chk.NoError(err)
	chk.Equal(queue.StatusFailed, got.Status)
	chk.Contains(got.Error, "handler panic: boom")
	chk.Equal(1, h.pool.Status()[0].Processed)
}

func TestPoolStatusShowsRunningJob(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()
	h := newHarness(t, ExecutorConfig{})

	var seen []SlotStatus
	h.pool.Handle("inspect", func(ctx context.Context, task Task) ([]byte, error) {
		seen = h.pool.Status()
		return []byte("ok"), nil
	})
	job, err := h.q.Enqueue(ctx, queue.Submission{Func: "inspect"})
	chk.NoError(err)
	h.runOnce(t)

	chk.Len(seen, 1)
	chk.Equal(job.ID, seen[0].JobID)
	chk.Equal("inspect", seen[0].Func)
	chk.NotNil(seen[0].StartedAt)

	after := h.pool.Status()
	chk.Empty(after[0].JobID)
	chk.Nil(after[0].StartedAt)
	chk.Equal([]string{"build", "inspect", "run"}, h.pool.Handlers())
}

func TestPoolRunDrainsAndStops(t *testing.T) {
	chk := require.New(t)
	q := memqueue.New()
	pool, err := NewPool(q, PoolConfig{WorkDir: t.TempDir(), Concurrency: 3, PollInterval: 5 * time.Millisecond}, nil)
	chk.NoError(err)
	pool.Handle("echo", func(ctx context.Context, task Task) ([]byte, error) {
		return []byte(task.Job.Args[0]), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ids []string
	for i := 0; i < 10; i++ {
		job, err := q.Enqueue(ctx, queue.Submission{Func: "echo", Args: []string{"x"}})
		chk.NoError(err)
		ids = append(ids, job.ID)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	chk.Eventually(func() bool {
		for _, id := range ids {
			status, err := q.Status(context.Background(), id)
			if err != nil || status != queue.StatusFinished {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		chk.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not stop after cancel")
	}
}

func TestNewPoolValidates(t *testing.T) {
	if _, err := NewPool(nil, PoolConfig{WorkDir: "/tmp/x"}, nil); err == nil {
		t.Fatalf("expected error for nil queue")
	}
	if _, err := NewPool(memqueue.New(), PoolConfig{}, nil); err == nil {
		t.Fatalf("expected error for empty work dir")
	}
	if _, err := NewPool(memqueue.New(), PoolConfig{WorkDir: "/tmp/x"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
