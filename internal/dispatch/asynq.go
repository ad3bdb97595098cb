package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
	"storybook/internal/workflow"
)

// TaskTypeRenderPage is the asynq task type for one page run.
const TaskTypeRenderPage = "page:render"

// Asynq enqueues tasks for an AsynqServer in another process.
type Asynq struct {
	client *asynq.Client
	queue  string
	log    *logger.Logger
}

var _ Dispatcher = (*Asynq)(nil)

func NewAsynq(opt asynq.RedisConnOpt, queue string, log *logger.Logger) *Asynq {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Asynq{client: asynq.NewClient(opt), queue: queue, log: log.WithComponent("dispatch.asynq")}
}

func (a *Asynq) Dispatch(ctx context.Context, tasks ...workflow.Task) error {
	for _, t := range tasks {
		body, err := json.Marshal(t)
		if err != nil {
			return err
		}
		task := asynq.NewTask(TaskTypeRenderPage, body, asynq.Queue(a.queue))
		// Renders are not retried by the queue; a failed page is regenerated
		// explicitly. The task id drops duplicate enqueues of the same run.
		info, err := a.client.EnqueueContext(ctx, task,
			asynq.MaxRetry(0),
			asynq.TaskID(fmt.Sprintf("%s:%s:%d", t.JobID, t.PageKey, t.Run)),
		)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			a.log.Debug("task already enqueued", "job_id", t.JobID, "page_key", t.PageKey, "run", t.Run)
			continue
		}
		if err != nil {
			return errors.WrapWithCode(err, errors.CodeUnavailable, "dispatch.asynq", "failed to enqueue task").
				WithFields(map[string]any{"job_id": t.JobID, "page_key": t.PageKey})
		}
		a.log.Debug("task enqueued", "task_id", info.ID, "job_id", t.JobID, "page_key", t.PageKey)
	}
	return nil
}

func (a *Asynq) Close(context.Context) error {
	return a.client.Close()
}

// AsynqServer consumes page tasks with bounded concurrency.
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	handle Handler
	log    *logger.Logger
}

func NewAsynqServer(opt asynq.RedisConnOpt, queue string, concurrency int, handle Handler, log *logger.Logger) *AsynqServer {
	if log == nil {
		log = logger.NewDefault()
	}
	s := &AsynqServer{
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{queue: 1},
		}),
		mux:    asynq.NewServeMux(),
		handle: handle,
		log:    log.WithComponent("dispatch.asynq"),
	}
	s.mux.HandleFunc(TaskTypeRenderPage, s.handleRenderPage)
	return s
}

// Run serves until Shutdown is called.
func (s *AsynqServer) Run() error {
	if err := s.server.Run(s.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AsynqServer) Shutdown() {
	s.server.Shutdown()
}

func (s *AsynqServer) handleRenderPage(ctx context.Context, task *asynq.Task) error {
	t, err := decodeTask(task.Payload())
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	ctx = logger.ContextWithWorkflow(ctx, t.JobID, t.PageKey)
	return s.handle(ctx, t)
}

func decodeTask(body []byte) (workflow.Task, error) {
	var t workflow.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return t, err
	}
	if t.JobID == "" || t.PageKey == "" {
		return t, fmt.Errorf("task payload missing job_id or page_key")
	}
	return t, nil
}
