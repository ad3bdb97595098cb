package jobstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"storybook/internal/models"
	"storybook/internal/pkg/errors"
)

// Redis layout, per job:
//
//	<prefix>job:<id>                      hash of identity fields and flags
//	<prefix>job:<id>:wf                   hash page_key -> workflow JSON
//	<prefix>job:<id>:wf:<page_key>:v      list of variant JSON in production order
//
// Conditional writes run as Lua scripts so each is atomic on the server.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis returns a Redis store. prefix namespaces every key.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "storybook:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) jobKey(id string) string { return r.prefix + "job:" + id }
func (r *Redis) wfKey(id string) string { return r.prefix + "job:" + id + ":wf" }
func (r *Redis) variantsKey(id, key string) string { return r.prefix + "job:" + id + ":wf:" + key + ":v" }

// workflowRecord is the JSON stored per workflow field; variants live in their own list.
type workflowRecord struct {
	Status    models.WorkflowStatus `json:"status"`
	Run       int64                 `json:"run,string"`
	Error     string                `json:"error,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

var (
	// KEYS: job. ARGV: field/value pairs.
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1`)

	// KEYS: job, wf. ARGV: page key, status, now.
	setStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local raw = redis.call('HGET', KEYS[2], ARGV[1])
local wf = {run = '0'}
if raw then wf = cjson.decode(raw) end
wf.status = ARGV[2]
wf.updated_at = ARGV[3]
redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(wf))
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
return 1`)

	// KEYS: job, wf. ARGV: page key, run, now.
	beginRunScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local raw = redis.call('HGET', KEYS[2], ARGV[1])
local run = tonumber(ARGV[2])
if raw then
  local wf = cjson.decode(raw)
  if tonumber(wf.run) >= run then return 0 end
end
local wf = {status = 'processing', run = ARGV[2], updated_at = ARGV[3]}
redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(wf))
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
return 1`)

	// KEYS: job, wf. ARGV: page key, run, status, error, now.
	finishRunScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local raw = redis.call('HGET', KEYS[2], ARGV[1])
if not raw then return -2 end
local wf = cjson.decode(raw)
if tonumber(wf.run) ~= tonumber(ARGV[2]) then return 0 end
wf.status = ARGV[3]
wf.error = ARGV[4]
wf.updated_at = ARGV[5]
redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(wf))
redis.call('HSET', KEYS[1], 'updated_at', ARGV[5])
return 1`)

	// KEYS: job, wf, variants. ARGV: page key, sequence index, variant JSON, run.
	appendVariantScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local raw = redis.call('HGET', KEYS[2], ARGV[1])
if not raw then return -2 end
local wf = cjson.decode(raw)
if tonumber(wf.run) ~= tonumber(ARGV[4]) or wf.status ~= 'processing' then return -3 end
if redis.call('LLEN', KEYS[3]) ~= tonumber(ARGV[2]) then return 0 end
redis.call('RPUSH', KEYS[3], ARGV[3])
return 1`)

	// KEYS: job. ARGV: field, expected, next, now.
	casFlagScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[1], ARGV[1]) or '0'
if cur ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3], 'updated_at', ARGV[4])
return 1`)

	// KEYS: job. ARGV: field, value, now.
	setFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], 'updated_at', ARGV[3])
return 1`)
)

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func stamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Create writes every field of the job hash in one script, so a job is
// either absent or complete.
func (r *Redis) Create(ctx context.Context, job *models.Job) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	subjects, _ := json.Marshal(nonNil(job.SubjectImages))
	expected, _ := json.Marshal(nonNil(job.ExpectedKeys))
	res, err := createScript.Run(ctx, r.rdb, []string{r.jobKey(job.ID)},
		"job_id", job.ID,
		"name", job.Name,
		"gender", job.Gender,
		"book_id", job.BookID,
		"user_name", job.UserName,
		"email", job.Email,
		"phone_number", job.PhoneNumber,
		"order_id", job.OrderID,
		"subject_images", string(subjects),
		"expected_keys", string(expected),
		string(models.FlagPaid), boolField(job.Paid),
		string(models.FlagApproved), boolField(job.Approved),
		string(models.FlagPreviewReady), boolField(job.PreviewReady),
		string(models.FlagPreviewNotified), boolField(job.PreviewNotified),
		"created_at", created.Format(time.RFC3339Nano),
		"updated_at", created.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return errors.Wrap(err, "jobstore.create", "redis script failed")
	}
	if res == 0 {
		return errors.New(errors.CodeConflict, "job already exists").WithField("job_id", job.ID)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var fields, wfs *redis.MapStringStringCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, r.jobKey(jobID))
		wfs = pipe.HGetAll(ctx, r.wfKey(jobID))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "jobstore.get", "redis read failed")
	}
	h := fields.Val()
	if len(h) == 0 {
		return nil, jobNotFound(jobID)
	}

	j := &models.Job{
		ID:              jobID,
		Name:            h["name"],
		Gender:          h["gender"],
		BookID:          h["book_id"],
		UserName:        h["user_name"],
		Email:           h["email"],
		PhoneNumber:     h["phone_number"],
		OrderID:         h["order_id"],
		Paid:            h[string(models.FlagPaid)] == "1",
		Approved:        h[string(models.FlagApproved)] == "1",
		PreviewReady:    h[string(models.FlagPreviewReady)] == "1",
		PreviewNotified: h[string(models.FlagPreviewNotified)] == "1",
		Workflows:       map[string]*models.Workflow{},
	}
	_ = json.Unmarshal([]byte(h["subject_images"]), &j.SubjectImages)
	_ = json.Unmarshal([]byte(h["expected_keys"]), &j.ExpectedKeys)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, h["created_at"])
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])

	lists := make(map[string]*redis.StringSliceCmd, len(wfs.Val()))
	pipe := r.rdb.Pipeline()
	for key, raw := range wfs.Val() {
		var rec workflowRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, errors.Wrap(err, "jobstore.get", "corrupt workflow record")
		}
		j.Workflows[key] = &models.Workflow{
			Key:       key,
			Status:    rec.Status,
			Run:       rec.Run,
			Error:     rec.Error,
			UpdatedAt: rec.UpdatedAt,
			Variants:  []models.Variant{},
		}
		lists[key] = pipe.LRange(ctx, r.variantsKey(jobID, key), 0, -1)
	}
	if len(lists) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, errors.Wrap(err, "jobstore.get", "redis variant read failed")
		}
	}
	for key, cmd := range lists {
		for _, raw := range cmd.Val() {
			var v models.Variant
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, errors.Wrap(err, "jobstore.get", "corrupt variant record")
			}
			j.Workflows[key].Variants = append(j.Workflows[key].Variants, v)
		}
	}
	return j, nil
}

func (r *Redis) setField(ctx context.Context, op, jobID, field, value string) error {
	res, err := setFieldScript.Run(ctx, r.rdb, []string{r.jobKey(jobID)}, field, value, stamp()).Int()
	if err != nil {
		return errors.Wrap(err, op, "redis script failed")
	}
	if res < 0 {
		return jobNotFound(jobID)
	}
	return nil
}

func (r *Redis) SetExpectedPages(ctx context.Context, jobID string, keys []string) error {
	raw, _ := json.Marshal(nonNil(keys))
	return r.setField(ctx, "jobstore.set_expected_pages", jobID, "expected_keys", string(raw))
}

func (r *Redis) SetSubjectImages(ctx context.Context, jobID string, refs []string) error {
	raw, _ := json.Marshal(nonNil(refs))
	return r.setField(ctx, "jobstore.set_subject_images", jobID, "subject_images", string(raw))
}

func (r *Redis) SetOrderID(ctx context.Context, jobID, orderID string) error {
	return r.setField(ctx, "jobstore.set_order_id", jobID, "order_id", orderID)
}

func (r *Redis) SetWorkflowStatus(ctx context.Context, jobID, key string, status models.WorkflowStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	res, err := setStatusScript.Run(ctx, r.rdb,
		[]string{r.jobKey(jobID), r.wfKey(jobID)}, key, string(status), stamp()).Int()
	if err != nil {
		return errors.Wrap(err, "jobstore.set_workflow_status", "redis script failed")
	}
	if res < 0 {
		return jobNotFound(jobID)
	}
	return nil
}

func (r *Redis) BeginRun(ctx context.Context, jobID, key string, run int64) (bool, error) {
	res, err := beginRunScript.Run(ctx, r.rdb,
		[]string{r.jobKey(jobID), r.wfKey(jobID)}, key, strconv.FormatInt(run, 10), stamp()).Int()
	if err != nil {
		return false, errors.Wrap(err, "jobstore.begin_run", "redis script failed")
	}
	if res < 0 {
		return false, jobNotFound(jobID)
	}
	return res == 1, nil
}

func (r *Redis) FinishRun(ctx context.Context, jobID, key string, run int64, status models.WorkflowStatus, errText string) (bool, error) {
	if err := validateStatus(status); err != nil {
		return false, err
	}
	res, err := finishRunScript.Run(ctx, r.rdb,
		[]string{r.jobKey(jobID), r.wfKey(jobID)}, key, strconv.FormatInt(run, 10), string(status), errText, stamp()).Int()
	if err != nil {
		return false, errors.Wrap(err, "jobstore.finish_run", "redis script failed")
	}
	switch res {
	case -1:
		return false, jobNotFound(jobID)
	case -2:
		return false, workflowNotFound(jobID, key)
	}
	return res == 1, nil
}

func (r *Redis) AppendVariant(ctx context.Context, jobID, key string, run int64, v models.Variant) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "jobstore.append_variant", "encode variant")
	}
	res, err := appendVariantScript.Run(ctx, r.rdb,
		[]string{r.jobKey(jobID), r.wfKey(jobID), r.variantsKey(jobID, key)},
		key, v.SequenceIndex, string(raw), strconv.FormatInt(run, 10)).Int()
	if err != nil {
		return errors.Wrap(err, "jobstore.append_variant", "redis script failed")
	}
	switch res {
	case -1:
		return jobNotFound(jobID)
	case -2:
		return workflowNotFound(jobID, key)
	case -3:
		return runSuperseded(jobID, key, run)
	case 0:
		return appendConflict(jobID, key, v.SequenceIndex)
	}
	return nil
}

func (r *Redis) SetFlag(ctx context.Context, jobID string, flag models.Flag, value bool) error {
	if err := validateFlag("jobstore.set_flag", flag); err != nil {
		return err
	}
	return r.setField(ctx, "jobstore.set_flag", jobID, string(flag), boolField(value))
}

func (r *Redis) CompareAndSetFlag(ctx context.Context, jobID string, flag models.Flag, expected, next bool) (bool, error) {
	if err := validateFlag("jobstore.compare_and_set_flag", flag); err != nil {
		return false, err
	}
	res, err := casFlagScript.Run(ctx, r.rdb, []string{r.jobKey(jobID)},
		string(flag), boolField(expected), boolField(next), stamp()).Int()
	if err != nil {
		return false, errors.Wrap(err, "jobstore.compare_and_set_flag", "redis script failed")
	}
	if res < 0 {
		return false, jobNotFound(jobID)
	}
	return res == 1, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
