package jobstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storybook/internal/httpkit"
	"storybook/internal/models"
	"storybook/internal/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// flagColumns whitelists the job columns a flag may address.
var flagColumns = map[models.Flag]string{
	models.FlagPaid:            "paid",
	models.FlagApproved:        "approved",
	models.FlagPreviewReady:    "preview_ready",
	models.FlagPreviewNotified: "preview_notified",
}

// Postgres stores jobs in three tables: jobs, job_workflows and job_variants.
// Each operation is a single conditional statement on one row.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the tables when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "jobstore.migrate", "failed to apply schema")
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, job *models.Job) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO jobs (job_id, name, gender, book_id, user_name, email, phone_number,
		                  order_id, subject_images, expected_keys, paid, approved,
		                  preview_ready, preview_notified, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)`,
		job.ID, job.Name, job.Gender, job.BookID, job.UserName, job.Email, job.PhoneNumber,
		job.OrderID, nonNil(job.SubjectImages), nonNil(job.ExpectedKeys), job.Paid, job.Approved,
		job.PreviewReady, job.PreviewNotified, created,
	)
	if err != nil {
		if httpkit.IsUniqueViolation(err) {
			return errors.New(errors.CodeConflict, "job already exists").WithField("job_id", job.ID)
		}
		return errors.Wrap(err, "jobstore.create", "failed to insert job")
	}
	return nil
}

// Get reads the job, its workflows and variants from one snapshot.
func (p *Postgres) Get(ctx context.Context, jobID string) (*models.Job, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, errors.Wrap(err, "jobstore.get", "failed to begin snapshot")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j := &models.Job{Workflows: map[string]*models.Workflow{}}
	err = tx.QueryRow(ctx, `
		SELECT job_id, name, gender, book_id, user_name, email, phone_number, order_id,
		       subject_images, expected_keys, paid, approved, preview_ready, preview_notified,
		       created_at, updated_at
		FROM jobs WHERE job_id=$1`, jobID,
	).Scan(&j.ID, &j.Name, &j.Gender, &j.BookID, &j.UserName, &j.Email, &j.PhoneNumber, &j.OrderID,
		&j.SubjectImages, &j.ExpectedKeys, &j.Paid, &j.Approved, &j.PreviewReady, &j.PreviewNotified,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobNotFound(jobID)
		}
		return nil, errors.Wrap(err, "jobstore.get", "failed to load job")
	}

	rows, err := tx.Query(ctx,
		`SELECT page_key, status, run, error_text, updated_at FROM job_workflows WHERE job_id=$1`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "jobstore.get", "failed to load workflows")
	}
	for rows.Next() {
		w := &models.Workflow{Variants: []models.Variant{}}
		var status string
		if err := rows.Scan(&w.Key, &status, &w.Run, &w.Error, &w.UpdatedAt); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "jobstore.get", "failed to scan workflow")
		}
		w.Status = models.WorkflowStatus(status)
		j.Workflows[w.Key] = w
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "jobstore.get", "failed to read workflows")
	}

	rows, err = tx.Query(ctx, `
		SELECT page_key, sequence_index, artifact_ref, produced_at
		FROM job_variants WHERE job_id=$1
		ORDER BY page_key, sequence_index`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "jobstore.get", "failed to load variants")
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var v models.Variant
		if err := rows.Scan(&key, &v.SequenceIndex, &v.ArtifactRef, &v.ProducedAt); err != nil {
			return nil, errors.Wrap(err, "jobstore.get", "failed to scan variant")
		}
		if w := j.Workflows[key]; w != nil {
			w.Variants = append(w.Variants, v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "jobstore.get", "failed to read variants")
	}
	return j, nil
}

// execJob runs an UPDATE on the jobs row and maps zero rows to NOT_FOUND.
func (p *Postgres) execJob(ctx context.Context, op, jobID, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, append([]any{jobID}, args...)...)
	if err != nil {
		return errors.Wrap(err, op, "update failed")
	}
	if tag.RowsAffected() == 0 {
		return jobNotFound(jobID)
	}
	return nil
}

func (p *Postgres) SetExpectedPages(ctx context.Context, jobID string, keys []string) error {
	return p.execJob(ctx, "jobstore.set_expected_pages", jobID,
		`UPDATE jobs SET expected_keys=$2, updated_at=NOW() WHERE job_id=$1`, nonNil(keys))
}

func (p *Postgres) SetSubjectImages(ctx context.Context, jobID string, refs []string) error {
	return p.execJob(ctx, "jobstore.set_subject_images", jobID,
		`UPDATE jobs SET subject_images=$2, updated_at=NOW() WHERE job_id=$1`, nonNil(refs))
}

func (p *Postgres) SetOrderID(ctx context.Context, jobID, orderID string) error {
	return p.execJob(ctx, "jobstore.set_order_id", jobID,
		`UPDATE jobs SET order_id=$2, updated_at=NOW() WHERE job_id=$1`, orderID)
}

func (p *Postgres) SetWorkflowStatus(ctx context.Context, jobID, key string, status models.WorkflowStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO job_workflows (job_id, page_key, status, updated_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (job_id, page_key) DO UPDATE SET status=EXCLUDED.status, updated_at=NOW()`,
		jobID, key, string(status))
	return p.workflowWriteErr(err, "jobstore.set_workflow_status", jobID)
}

func (p *Postgres) BeginRun(ctx context.Context, jobID, key string, run int64) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO job_workflows (job_id, page_key, status, run, error_text, updated_at)
		VALUES ($1,$2,$3,$4,'',NOW())
		ON CONFLICT (job_id, page_key) DO UPDATE
		SET status=EXCLUDED.status, run=EXCLUDED.run, error_text='', updated_at=NOW()
		WHERE job_workflows.run < EXCLUDED.run`,
		jobID, key, string(models.StatusProcessing), run)
	if err := p.workflowWriteErr(err, "jobstore.begin_run", jobID); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) FinishRun(ctx context.Context, jobID, key string, run int64, status models.WorkflowStatus, errText string) (bool, error) {
	if err := validateStatus(status); err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE job_workflows SET status=$4, error_text=$5, updated_at=NOW()
		WHERE job_id=$1 AND page_key=$2 AND run=$3`,
		jobID, key, run, string(status), errText)
	if err != nil {
		return false, errors.Wrap(err, "jobstore.finish_run", "update failed")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if ok, err := p.workflowExists(ctx, jobID, key); err != nil {
		return false, err
	} else if !ok {
		return false, workflowNotFound(jobID, key)
	}
	return false, nil
}

// AppendVariant inserts the variant only while run is the workflow's
// processing run and the index equals the current count. Two racing appends
// of the same index collide on the primary key.
func (p *Postgres) AppendVariant(ctx context.Context, jobID, key string, run int64, v models.Variant) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO job_variants (job_id, page_key, sequence_index, artifact_ref, produced_at)
		SELECT w.job_id, w.page_key, $3::int, $4::text, $5::timestamptz
		FROM job_workflows w
		WHERE w.job_id=$1 AND w.page_key=$2 AND w.run=$6 AND w.status=$7
		  AND (SELECT COUNT(*) FROM job_variants WHERE job_id=$1 AND page_key=$2) = $3::int
		ON CONFLICT DO NOTHING`,
		jobID, key, v.SequenceIndex, v.ArtifactRef, v.ProducedAt, run, string(models.StatusProcessing))
	if err != nil {
		return errors.Wrap(err, "jobstore.append_variant", "insert failed")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var storedRun int64
	var status string
	err = p.pool.QueryRow(ctx,
		`SELECT run, status FROM job_workflows WHERE job_id=$1 AND page_key=$2`, jobID, key).Scan(&storedRun, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflowNotFound(jobID, key)
	}
	if err != nil {
		return errors.Wrap(err, "jobstore.append_variant", "workflow check failed")
	}
	if storedRun != run || status != string(models.StatusProcessing) {
		return runSuperseded(jobID, key, run)
	}
	return appendConflict(jobID, key, v.SequenceIndex)
}

func (p *Postgres) SetFlag(ctx context.Context, jobID string, flag models.Flag, value bool) error {
	if err := validateFlag("jobstore.set_flag", flag); err != nil {
		return err
	}
	sql := fmt.Sprintf(`UPDATE jobs SET %s=$2, updated_at=NOW() WHERE job_id=$1`, flagColumns[flag])
	return p.execJob(ctx, "jobstore.set_flag", jobID, sql, value)
}

func (p *Postgres) CompareAndSetFlag(ctx context.Context, jobID string, flag models.Flag, expected, next bool) (bool, error) {
	if err := validateFlag("jobstore.compare_and_set_flag", flag); err != nil {
		return false, err
	}
	col := flagColumns[flag]
	sql := fmt.Sprintf(`UPDATE jobs SET %s=$3, updated_at=NOW() WHERE job_id=$1 AND %s=$2`, col, col)
	tag, err := p.pool.Exec(ctx, sql, jobID, expected, next)
	if err != nil {
		return false, errors.Wrap(err, "jobstore.compare_and_set_flag", "update failed")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id=$1)`, jobID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "jobstore.compare_and_set_flag", "existence check failed")
	}
	if !exists {
		return false, jobNotFound(jobID)
	}
	return false, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) workflowExists(ctx context.Context, jobID, key string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_workflows WHERE job_id=$1 AND page_key=$2)`, jobID, key).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "jobstore.workflow_exists", "query failed")
	}
	return ok, nil
}

func (p *Postgres) workflowWriteErr(err error, op, jobID string) error {
	if err == nil {
		return nil
	}
	if httpkit.IsForeignKeyViolation(err) {
		return jobNotFound(jobID)
	}
	return errors.Wrap(err, op, "workflow write failed")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
