// Package orchestrator exposes the caller-facing job operations: create a
// job, attach subject images, launch page workflows, poll, regenerate,
// select and approve.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"storybook/internal/approval"
	"storybook/internal/dispatch"
	"storybook/internal/jobstore"
	"storybook/internal/keys"
	"storybook/internal/models"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
	"storybook/internal/ports"
	"storybook/internal/selection"
	"storybook/internal/status"
	"storybook/internal/templates"
	"storybook/internal/workflow"
)

// MaxSubjectImages is the number of subject images a job may carry.
const MaxSubjectImages = 3

// NewJob is the input of CreateJob. ID is generated when empty.
type NewJob struct {
	ID          string `json:"job_id,omitempty"`
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	BookID      string `json:"book_id"`
	UserName    string `json:"user_name,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Upload is one subject image.
type Upload struct {
	Filename    string
	ContentType string
	Reader      io.Reader
	// Size is -1 when unknown.
	Size int64
}

type Deps struct {
	Store      jobstore.Store
	Templates  templates.Source
	Storage    ports.StorageProvider
	Dispatcher dispatch.Dispatcher
	Status     *status.Aggregator
	Approval   *approval.Service
	Log        *logger.Logger
}

type Service struct {
	store      jobstore.Store
	templates  templates.Source
	storage    ports.StorageProvider
	dispatcher dispatch.Dispatcher
	status     *status.Aggregator
	resolver   *selection.Resolver
	approval   *approval.Service
	log        *logger.Logger
}

func New(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Status == nil {
		d.Status = status.NewAggregator(status.Deps{Store: d.Store, Log: log})
	}
	if d.Approval == nil {
		d.Approval = approval.NewService(approval.Deps{
			Store:    d.Store,
			Packager: approval.NewStoragePackager(d.Storage),
			Log:      log,
		})
	}
	return &Service{
		store:      d.Store,
		templates:  d.Templates,
		storage:    d.Storage,
		dispatcher: d.Dispatcher,
		status:     d.Status,
		resolver:   selection.NewResolver(d.Store),
		approval:   d.Approval,
		log:        log.WithComponent("orchestrator"),
	}
}

func (s *Service) CreateJob(ctx context.Context, in NewJob) (*models.Job, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.BookID = strings.TrimSpace(in.BookID)
	in.Gender = strings.ToLower(strings.TrimSpace(in.Gender))

	if in.Name == "" {
		return nil, errors.ValidationField("name", "name is required")
	}
	if in.Gender != models.GenderBoy && in.Gender != models.GenderGirl {
		return nil, errors.ValidationField("gender", "gender must be boy or girl")
	}
	if in.BookID == "" {
		return nil, errors.ValidationField("book_id", "book_id is required")
	}
	if _, err := s.templates.Manifest(ctx, in.BookID); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.ValidationField("book_id", "unknown book: "+in.BookID)
		}
		return nil, errors.Wrap(err, "orchestrator.create_job", "failed to load book")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:            in.ID,
		Name:          in.Name,
		Gender:        in.Gender,
		BookID:        in.BookID,
		UserName:      in.UserName,
		Email:         in.Email,
		PhoneNumber:   in.PhoneNumber,
		SubjectImages: []string{},
		ExpectedKeys:  []string{},
		Workflows:     map[string]*models.Workflow{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, errors.Wrap(err, "orchestrator.create_job", "failed to create job")
	}
	s.log.FromContext(ctx).WithJobID(job.ID).Info("job created", "book_id", job.BookID, "gender", job.Gender)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator.get_job", "failed to load job")
	}
	return job, nil
}

// AddSubjectImages stores 1 to MaxSubjectImages images and replaces the
// job's subject image set with them.
func (s *Service) AddSubjectImages(ctx context.Context, jobID string, uploads []Upload) ([]string, error) {
	if len(uploads) == 0 || len(uploads) > MaxSubjectImages {
		return nil, errors.ValidationField("images",
			fmt.Sprintf("between 1 and %d images are required, got %d", MaxSubjectImages, len(uploads)))
	}
	if _, err := s.store.Get(ctx, jobID); err != nil {
		return nil, errors.Wrap(err, "orchestrator.add_images", "failed to load job")
	}

	refs := make([]string, 0, len(uploads))
	for i, u := range uploads {
		ext := keys.Ext(u.ContentType, u.Filename)
		ct := u.ContentType
		if ct == "" {
			ct = keys.MimeFromExt(ext)
		}
		size := u.Size
		if size == 0 {
			size = -1
		}
		out, err := s.storage.PutObject(ctx, ports.PutObjectInput{
			ObjectKey:   keys.SubjectImage(jobID, i+1, ext),
			ContentType: ct,
			Reader:      u.Reader,
			Size:        size,
		})
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "orchestrator.add_images", "failed to store image").
				WithField("index", i+1)
		}
		refs = append(refs, out.ObjectKey)
	}

	if err := s.store.SetSubjectImages(ctx, jobID, refs); err != nil {
		return nil, errors.Wrap(err, "orchestrator.add_images", "failed to record images")
	}
	s.log.FromContext(ctx).WithJobID(jobID).Info("subject images stored", "count", len(refs))
	return refs, nil
}

// DispatchJob records the expected pages in order and launches one workflow
// per page. With no page keys the book's pages are used. It returns once the
// tasks are accepted.
func (s *Service) DispatchJob(ctx context.Context, jobID string, pageKeys []string, params templates.Params) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "orchestrator.dispatch", "failed to load job")
	}

	m, err := s.templates.Manifest(ctx, job.BookID)
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.TemplateNotFound(job.BookID, job.Gender, "")
		}
		return errors.Wrap(err, "orchestrator.dispatch", "failed to load book")
	}
	if len(pageKeys) == 0 {
		pageKeys = m.Pages
	}
	pageKeys, err = normalizeKeys(pageKeys)
	if err != nil {
		return err
	}
	for _, key := range pageKeys {
		if !m.HasPage(key) {
			return errors.ValidationField("page_keys", "not a page of book "+job.BookID+": "+key).
				WithField("page_key", key)
		}
	}

	if err := s.store.SetExpectedPages(ctx, jobID, pageKeys); err != nil {
		return errors.Wrap(err, "orchestrator.dispatch", "failed to record expected pages")
	}

	tasks := make([]workflow.Task, 0, len(pageKeys))
	for _, key := range pageKeys {
		tasks = append(tasks, workflow.Task{JobID: jobID, PageKey: key, Run: nextRun(job, key), Params: params})
	}
	if err := s.dispatcher.Dispatch(ctx, tasks...); err != nil {
		return errors.Wrap(err, "orchestrator.dispatch", "failed to launch workflows")
	}
	s.log.FromContext(ctx).WithJobID(jobID).Info("workflows dispatched", "pages", pageKeys)
	return nil
}

// RegeneratePage launches a new run for a page the job already expects.
// Earlier variants are kept and new ones are appended after them.
func (s *Service) RegeneratePage(ctx context.Context, jobID, pageKey string, params templates.Params) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "orchestrator.regenerate", "failed to load job")
	}
	if !expects(job, pageKey) {
		return errors.NotFound("page", jobID+"/"+pageKey)
	}

	t := workflow.Task{JobID: jobID, PageKey: pageKey, Run: nextRun(job, pageKey), Params: params}
	if err := s.dispatcher.Dispatch(ctx, t); err != nil {
		return errors.Wrap(err, "orchestrator.regenerate", "failed to launch workflow")
	}
	s.log.FromContext(ctx).WithWorkflow(jobID, pageKey).Info("page regeneration dispatched", "run", t.Run)
	return nil
}

// Collage is the state of a job's combined render.
type Collage struct {
	Status   models.WorkflowStatus `json:"status"`
	Variants int                   `json:"variants"`
	Error    string                `json:"error,omitempty"`
	// Ref is the published collage, set once a run completed.
	Ref string `json:"artifact_reference,omitempty"`
}

// RenderCollage launches the combined render over the newest variant of
// every expected page. Every page needs at least one variant.
func (s *Service) RenderCollage(ctx context.Context, jobID string, params templates.Params) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "orchestrator.collage", "failed to load job")
	}
	if _, err := workflow.LatestPages(job); err != nil {
		return err
	}

	t := workflow.Task{JobID: jobID, PageKey: templates.CollagePage, Run: nextRun(job, templates.CollagePage), Params: params}
	if err := s.dispatcher.Dispatch(ctx, t); err != nil {
		return errors.Wrap(err, "orchestrator.collage", "failed to launch collage")
	}
	s.log.FromContext(ctx).WithJobID(jobID).Info("collage dispatched", "run", t.Run, "pages", len(job.ExpectedKeys))
	return nil
}

// GetCollage reports the collage workflow. NOT_FOUND until one was launched.
func (s *Service) GetCollage(ctx context.Context, jobID string) (*Collage, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator.get_collage", "failed to load job")
	}
	w := job.Workflow(templates.CollagePage)
	if w == nil {
		return nil, errors.NotFound("collage", jobID)
	}
	c := &Collage{Status: w.Status, Variants: len(w.Variants), Error: w.Error}
	if w.Status == models.StatusCompleted && len(w.Variants) > 0 {
		c.Ref = keys.Collage(jobID, path.Ext(w.Variants[len(w.Variants)-1].ArtifactRef))
	}
	return c, nil
}

func (s *Service) PollStatus(ctx context.Context, jobID string) (status.Report, error) {
	return s.status.Poll(ctx, jobID)
}

func (s *Service) ResolveSelection(ctx context.Context, jobID string, sel models.Selection) ([]selection.Artifact, error) {
	return s.resolver.Resolve(ctx, jobID, sel)
}

func (s *Service) Approve(ctx context.Context, jobID string, sel models.Selection) (*approval.Result, error) {
	return s.approval.Approve(ctx, jobID, sel)
}

// MarkPaid records a completed payment for the job.
func (s *Service) MarkPaid(ctx context.Context, jobID, orderID string) error {
	if _, err := s.store.Get(ctx, jobID); err != nil {
		return errors.Wrap(err, "orchestrator.mark_paid", "failed to load job")
	}
	if orderID != "" {
		if err := s.store.SetOrderID(ctx, jobID, orderID); err != nil {
			return errors.Wrap(err, "orchestrator.mark_paid", "failed to record order")
		}
	}
	if err := s.store.SetFlag(ctx, jobID, models.FlagPaid, true); err != nil {
		return errors.Wrap(err, "orchestrator.mark_paid", "failed to mark job paid")
	}
	s.log.FromContext(ctx).WithJobID(jobID).Info("payment recorded", "order_id", orderID)
	return nil
}

func normalizeKeys(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, errors.ValidationField("page_keys", "page key must not be empty")
		}
		if seen[k] {
			return nil, errors.ValidationField("page_keys", "duplicate page key: "+k)
		}
		seen[k] = true
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil, errors.ValidationField("page_keys", "at least one page is required")
	}
	return out, nil
}

// nextRun picks a run id above the one stored for key, so a replica whose
// clock lags still supersedes the current run.
func nextRun(job *models.Job, key string) int64 {
	run := workflow.NextRun()
	if w := job.Workflow(key); w != nil && w.Run >= run {
		run = w.Run + 1
	}
	return run
}

func expects(job *models.Job, key string) bool {
	for _, k := range job.ExpectedKeys {
		if k == key {
			return true
		}
	}
	return job.Workflow(key) != nil
}
