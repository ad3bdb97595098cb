package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
	"time"

	"storybook/internal/adapters/storage/localfs"
	"storybook/internal/dispatch"
	"storybook/internal/httpapi/handlers"
	"storybook/internal/jobstore"
	"storybook/internal/orchestrator"
	"storybook/internal/pkg/logger"
	"storybook/internal/render/rendertest"
	"storybook/internal/templates"
	"storybook/internal/workflow"
)

const secret = "s3cret"

type api struct {
	srv   *httptest.Server
	pool  *dispatch.Pool
	fake  *rendertest.Fake
	store *jobstore.Memory
}

func newAPI(t *testing.T) *api {
	t.Helper()
	log := logger.Discard()
	a := &api{store: jobstore.NewMemory(), fake: rendertest.New()}
	storage := localfs.New(t.TempDir())
	graph := []byte(`{"12": {"class_type": "LoadImage", "inputs": {"image": ""}}}`)
	collage := []byte(`{"9": {"class_type": "LoadImage", "inputs": {"image": ""}}, "10": {"class_type": "LoadImage", "inputs": {"image": ""}}}`)
	src := templates.NewFileSource(fstest.MapFS{
		"astro/book.yaml": {Data: []byte("pages: [pg0, pg1]\ntemplates:\n  boy: {pg0: a.json, pg1: a.json, collage: c.json}\n")},
		"astro/a.json":    {Data: graph},
		"astro/c.json":    {Data: collage},
	})
	runner := workflow.NewRunner(workflow.Deps{
		Store: a.store, Templates: src, Render: a.fake, Storage: storage, Log: log, RenderTimeout: time.Second,
	})
	a.pool = dispatch.NewPool(runner.Run, 2, log)

	svc := orchestrator.New(orchestrator.Deps{
		Store: a.store, Templates: src, Storage: storage, Dispatcher: a.pool, Log: log,
	})
	h := handlers.New(handlers.Deps{
		Service: svc, Store: a.store, Templates: src, Render: a.fake, Storage: storage,
		PaymentSecret: secret, Log: log,
	})
	a.srv = httptest.NewServer(NewRouter(h, Options{CORSOrigins: "https://shop.example.com"}))
	t.Cleanup(func() {
		a.srv.Close()
		_ = a.pool.Close(context.Background())
	})
	return a
}

func (a *api) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, a.srv.URL+path, r)
	req.Header.Set("Content-Type", "application/json")
	return a.send(t, req)
}

func (a *api) send(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := a.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (a *api) createJob(t *testing.T) string {
	t.Helper()
	resp, body := a.do(t, "POST", "/jobs", map[string]any{"name": "Leo", "gender": "boy", "book_id": "astro"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: %d %v", resp.StatusCode, body)
	}
	return body["job"].(map[string]any)["job_id"].(string)
}

func TestJobLifecycle(t *testing.T) {
	a := newAPI(t)
	id := a.createJob(t)
	a.fake.Set("pg1", rendertest.Behavior{Outputs: 2})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("images", "face.png")
	_, _ = fw.Write([]byte("png"))
	_ = mw.Close()
	req, _ := http.NewRequest("POST", a.srv.URL+"/jobs/"+id+"/images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if resp, body := a.send(t, req); resp.StatusCode != http.StatusCreated {
		t.Fatalf("images: %d %v", resp.StatusCode, body)
	}

	resp, body := a.do(t, "POST", "/jobs/"+id+"/dispatch", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("dispatch: %d %v", resp.StatusCode, body)
	}
	if fmt.Sprint(body["page_keys"]) != "[pg0 pg1]" {
		t.Errorf("unexpected page keys %v", body["page_keys"])
	}
	a.pool.Wait()

	resp, body = a.do(t, "GET", "/jobs/"+id+"/status", nil)
	if resp.StatusCode != http.StatusOK || body["ready"] != true {
		t.Fatalf("status: %d %v", resp.StatusCode, body)
	}

	resp, body = a.do(t, "POST", "/jobs/"+id+"/selection", map[string]any{"selection": []int{0, 5}})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %v", resp.StatusCode, body)
	}
	e := body["error"].(map[string]any)
	details := e["details"].(map[string]any)
	if e["code"] != "INVALID_SELECTION" || details["page"] != float64(1) || details["index"] != float64(5) || details["available"] != float64(2) {
		t.Errorf("unexpected error body %v", e)
	}

	resp, body = a.do(t, "POST", "/jobs/"+id+"/approve", map[string]any{"selection": []int{0, 1}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %v", resp.StatusCode, body)
	}

	resp, _ = a.do(t, "GET", "/jobs/"+id+"/pages/pg1/variants/1/content", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Errorf("content: %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	resp, _ = a.do(t, "GET", "/jobs/"+id+"/pages/pg1/variants/2/content", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for a missing variant, got %d", resp.StatusCode)
	}
}

func TestRegenerateUnknownPage(t *testing.T) {
	a := newAPI(t)
	id := a.createJob(t)
	resp, body := a.do(t, "POST", "/jobs/"+id+"/pages/pg9/regenerate", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d %v", resp.StatusCode, body)
	}
}

func TestCollage(t *testing.T) {
	a := newAPI(t)
	id := a.createJob(t)

	resp, body := a.do(t, "POST", "/jobs/"+id+"/collage", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("collage before any page rendered: expected 400, got %d %v", resp.StatusCode, body)
	}
	if resp, _ = a.do(t, "GET", "/jobs/"+id+"/collage", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before a collage was launched, got %d", resp.StatusCode)
	}

	if resp, body = a.do(t, "POST", "/jobs/"+id+"/dispatch", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("dispatch: %d %v", resp.StatusCode, body)
	}
	a.pool.Wait()

	if resp, body = a.do(t, "POST", "/jobs/"+id+"/collage", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("collage: %d %v", resp.StatusCode, body)
	}
	a.pool.Wait()

	resp, body = a.do(t, "GET", "/jobs/"+id+"/collage", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get collage: %d %v", resp.StatusCode, body)
	}
	c := body["collage"].(map[string]any)
	if c["status"] != "completed" || c["artifact_reference"] != id+"/final/"+id+"_collage.png" {
		t.Errorf("unexpected collage %v", c)
	}
	if body["url"] != "/jobs/"+id+"/collage/content" {
		t.Errorf("unexpected url %v", body["url"])
	}

	resp, _ = a.do(t, "GET", "/jobs/"+id+"/collage/content", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Errorf("collage content: %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestCreateJobValidation(t *testing.T) {
	a := newAPI(t)
	resp, body := a.do(t, "POST", "/jobs", map[string]any{"name": "Leo", "gender": "dragon", "book_id": "astro"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d %v", resp.StatusCode, body)
	}
	resp, _ = a.do(t, "POST", "/jobs", map[string]any{"name": "Leo", "surprise": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown fields must be rejected, got %d", resp.StatusCode)
	}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPaymentWebhook(t *testing.T) {
	a := newAPI(t)
	id := a.createJob(t)

	body := []byte(`{"name":"#1001","email":"x@example.com","note_attributes":[{"name":"Request ID","value":"` + id + `"}]}`)
	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{"missing signature", "", http.StatusUnauthorized},
		{"wrong signature", hex.EncodeToString([]byte("nope")), http.StatusUnauthorized},
		{"valid", "sha256=" + sign(body), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", a.srv.URL+"/webhooks/payment", bytes.NewReader(body))
			req.Header.Set("X-Signature", tt.signature)
			if resp, out := a.send(t, req); resp.StatusCode != tt.want {
				t.Errorf("got %d %v, want %d", resp.StatusCode, out, tt.want)
			}
		})
	}

	job, err := a.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !job.Paid || job.OrderID != "#1001" {
		t.Errorf("payment not recorded: %+v", job)
	}
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	resp, body := a.do(t, "GET", "/health?deep=true", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
	checks := body["checks"].(map[string]any)
	for _, name := range []string{"job_store", "render", "storage"} {
		if c, ok := checks[name].(map[string]any); !ok || c["status"] != "ok" {
			t.Errorf("check %s: %v", name, checks[name])
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newAPI(t)
	req, _ := http.NewRequest("OPTIONS", a.srv.URL+"/jobs", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, _ := a.send(t, req)
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "https://shop.example.com" {
		t.Errorf("preflight: %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}

	req.Header.Set("Origin", "https://evil.example.com")
	resp, _ = a.send(t, req)
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin must not be allowed")
	}
}
