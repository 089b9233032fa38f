package jobrunner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragfactory/ingest/internal/core"
	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/service"
)

// queueRepo is an in-memory job queue: ReserveNext pops queued jobs in
// order and records terminal transitions.
type queueRepo struct {
	mu        sync.Mutex
	queue     []*model.Job
	completed []string
	failed    map[string]string
}

func newQueueRepo(jobs ...*model.Job) *queueRepo {
	return &queueRepo{queue: jobs, failed: map[string]string{}}
}

func (q *queueRepo) ReserveNext(context.Context, int) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil, model.ErrNoJobsAvailable
	}
	job := q.queue[0]
	q.queue = q.queue[1:]
	job.Status = model.JobStatusRunning
	return job, nil
}

func (q *queueRepo) Complete(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return true, nil
}

func (q *queueRepo) Fail(_ context.Context, id, errMsg string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = errMsg
	return true, nil
}

func (q *queueRepo) completedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.completed...)
}

func (q *queueRepo) failedMsg(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed[id]
}

func (q *queueRepo) Create(context.Context, *model.CreateJobRequest) (*model.Job, error) {
	return nil, errors.New("not implemented")
}

func (q *queueRepo) GetByID(context.Context, string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}

func (q *queueRepo) Progress(context.Context, string) (*model.JobProgress, error) {
	return nil, errors.New("not implemented")
}

func (q *queueRepo) List(context.Context, model.ListJobsFilter) ([]*model.Job, error) {
	return nil, nil
}

func (q *queueRepo) Stats(context.Context, string) (*model.JobStats, error) {
	return nil, errors.New("not implemented")
}

func (q *queueRepo) WaitForNotification(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *queueRepo) Heartbeat(context.Context, string, int) (bool, error)  { return true, nil }
func (q *queueRepo) RequeueExpired(context.Context) (int64, error)        { return 0, nil }
func (q *queueRepo) RequestCancel(context.Context, string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}
func (q *queueRepo) MarkCancelled(context.Context, string) (bool, error) { return true, nil }
func (q *queueRepo) RequestPause(context.Context, string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}
func (q *queueRepo) MarkPaused(context.Context, string) (bool, error) { return true, nil }
func (q *queueRepo) Resume(context.Context, string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}
func (q *queueRepo) Restart(context.Context, string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}
func (q *queueRepo) ControlFlags(context.Context, string) (bool, bool, error) {
	return false, false, nil
}
func (q *queueRepo) SetTotal(context.Context, string, int) error                { return nil }
func (q *queueRepo) UpdateProgress(context.Context, string, int, int, int) error { return nil }
func (q *queueRepo) AppendError(context.Context, string, string) error          { return nil }
func (q *queueRepo) Delete(context.Context, string) error                       { return nil }

var _ core.JobRepository = (*queueRepo)(nil)

type recordingExecutor struct {
	mu   sync.Mutex
	ran  []string
	errs map[string]error
	done chan struct{}
}

func newRecordingExecutor(expected int) *recordingExecutor {
	return &recordingExecutor{errs: map[string]error{}, done: make(chan struct{}, expected)}
}

func (e *recordingExecutor) Run(_ context.Context, job *model.Job) error {
	e.mu.Lock()
	e.ran = append(e.ran, job.ID)
	err := e.errs[job.ID]
	e.mu.Unlock()
	e.done <- struct{}{}
	return err
}

func (e *recordingExecutor) ranIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ran...)
}

func newRunnerUnderTest(t *testing.T, repo *queueRepo, exec Executor) *Runner {
	t.Helper()
	jobs := service.MustNewJobService(service.JobServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
	})
	t.Cleanup(jobs.StopAllListeners)

	runner, err := NewRunner(RunnerOptions{
		Jobs:     jobs,
		Executor: exec,
		Lease:    30 * time.Second,
	})
	require.NoError(t, err)
	return runner
}

func waitForExecutions(t *testing.T, exec *recordingExecutor, n int) {
	t.Helper()
	for range n {
		select {
		case <-exec.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for job execution")
		}
	}
}

func TestNewRunnerValidatesOptions(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{Executor: newRecordingExecutor(0)})
	require.Error(t, err)
}

func TestRunnerCompletesSuccessfulJobs(t *testing.T) {
	repo := newQueueRepo(
		&model.Job{ID: "job-1", Status: model.JobStatusQueued},
		&model.Job{ID: "job-2", Status: model.JobStatusQueued},
	)
	exec := newRecordingExecutor(2)
	runner := newRunnerUnderTest(t, repo, exec)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- runner.Run(ctx) }()

	waitForExecutions(t, exec, 2)
	require.Eventually(t, func() bool {
		return len(repo.completedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-runDone, context.Canceled)

	assert.Equal(t, []string{"job-1", "job-2"}, exec.ranIDs())
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, repo.completedIDs())
	assert.Empty(t, repo.failed)
}

func TestRunnerFailsJobOnExecutorError(t *testing.T) {
	repo := newQueueRepo(&model.Job{ID: "job-1", Status: model.JobStatusQueued})
	exec := newRecordingExecutor(1)
	exec.errs["job-1"] = errors.New("connector unreachable")
	runner := newRunnerUnderTest(t, repo, exec)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- runner.Run(ctx) }()

	waitForExecutions(t, exec, 1)
	require.Eventually(t, func() bool {
		return repo.failedMsg("job-1") != ""
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-runDone

	assert.Empty(t, repo.completedIDs())
	assert.Equal(t, "connector unreachable", repo.failedMsg("job-1"))
}

func TestRunnerLeavesCancelledJobsAlone(t *testing.T) {
	repo := newQueueRepo(&model.Job{ID: "job-1", Status: model.JobStatusQueued})
	exec := newRecordingExecutor(1)
	exec.errs["job-1"] = service.ErrJobCancelled
	runner := newRunnerUnderTest(t, repo, exec)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- runner.Run(ctx) }()

	waitForExecutions(t, exec, 1)
	cancel()
	<-runDone

	assert.Empty(t, repo.completedIDs())
	assert.Empty(t, repo.failed)
}
