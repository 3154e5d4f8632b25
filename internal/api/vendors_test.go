package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldhub/outreach/internal/classify"
	"github.com/fieldhub/outreach/internal/engage"
	"github.com/fieldhub/outreach/internal/lifecycle"
	"github.com/fieldhub/outreach/internal/storage"
)

const testToken = "test-token-123"

type stubClassifier struct {
	result classify.Result
	err    error
}

func (c *stubClassifier) Classify(ctx context.Context, v storage.Vendor, message string, previous []string) (classify.Result, error) {
	return c.result, c.err
}

type testApp struct {
	store      *storage.Store
	classifier *stubClassifier
	server     *httptest.Server
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { store.Close() })

	classifier := &stubClassifier{result: classify.Result{Intent: classify.IntentQuestion, Reply: "We work weekends too."}}
	svc := engage.NewService(store, classifier, func() time.Time { return time.Now().UTC() })

	srv := httptest.NewServer(NewHandler(AppDeps{Store: store, Engage: svc, Token: testToken}))
	t.Cleanup(srv.Close)

	return &testApp{store: store, classifier: classifier, server: srv}
}

func (a *testApp) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func (a *testApp) seedVendor(t *testing.T, v storage.Vendor) storage.Vendor {
	t.Helper()
	if v.ID == "" {
		v.ID = "v-1"
	}
	if v.Name == "" {
		v.Name = "Acme Plumbing"
	}
	if v.Status == "" {
		v.Status = lifecycle.StatusPendingReview
	}
	now := time.Now().UTC().Truncate(time.Second)
	v.StatusUpdatedAt = now
	v.CreatedAt = now
	if err := a.store.CreateVendor(v); err != nil {
		t.Fatalf("CreateVendor: %v", err)
	}
	return v
}

func TestHealthNeedsNoAuth(t *testing.T) {
	app := newTestApp(t)

	resp, err := http.Get(app.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRejectsMissingAndWrongToken(t *testing.T) {
	app := newTestApp(t)

	for _, header := range []string{"", "Bearer wrong-token", "Basic dXNlcjpwYXNz"} {
		req, _ := http.NewRequest(http.MethodGet, app.server.URL+"/vendors", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Authorization %q: status = %d, want 401", header, resp.StatusCode)
		}
	}
}

func TestCreateVendor(t *testing.T) {
	app := newTestApp(t)

	resp := app.request(t, http.MethodPost, "/vendors", map[string]string{
		"name":  "Acme Plumbing",
		"phone": "+15551234567",
		"notes": "24/7 emergency coverage",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	created := decodeBody[storage.Vendor](t, resp)
	if created.ID == "" {
		t.Error("created vendor has no id")
	}
	if created.Status != lifecycle.StatusPendingReview {
		t.Errorf("status = %s, want PENDING_REVIEW", created.Status)
	}

	stored, err := app.store.GetVendor(created.ID)
	if err != nil {
		t.Fatalf("GetVendor: %v", err)
	}
	if stored.Phone != "+15551234567" || stored.Notes != "24/7 emergency coverage" {
		t.Errorf("stored vendor = %+v", stored)
	}
}

func TestCreateVendor_NameRequired(t *testing.T) {
	app := newTestApp(t)

	resp := app.request(t, http.MethodPost, "/vendors", map[string]string{"phone": "+15551234567"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateVendorContact(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{Notes: "original"})

	resp := app.request(t, http.MethodPut, "/vendors/"+v.ID, map[string]string{
		"phone": "+15551234567",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decodeBody[storage.Vendor](t, resp)
	if got.Phone != "+15551234567" {
		t.Errorf("phone = %q", got.Phone)
	}
	if got.Notes != "original" {
		t.Errorf("notes = %q, omitted fields must survive", got.Notes)
	}
}

func TestUpdateVendorContact_Validation(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{})

	resp := app.request(t, http.MethodPut, "/vendors/"+v.ID, map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty update: status = %d, want 400", resp.StatusCode)
	}

	resp = app.request(t, http.MethodPut, "/vendors/missing", map[string]string{"phone": "+15551234567"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing vendor: status = %d, want 404", resp.StatusCode)
	}
}

// A vendor parked in NEEDS_CONTACT recovers entirely through the API: add a
// phone, re-approve, and outreach is queued.
func TestNeedsContactRecoveryFlow(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{})

	resp := app.request(t, http.MethodPost, "/vendors/"+v.ID+"/approve", nil)
	parked := decodeBody[storage.Vendor](t, resp)
	if parked.OutreachStatus != lifecycle.OutreachNeedsContact {
		t.Fatalf("outreach = %q, want NEEDS_CONTACT", parked.OutreachStatus)
	}

	resp = app.request(t, http.MethodPut, "/vendors/"+v.ID, map[string]string{"phone": "+15551234567"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("contact update: status = %d, want 200", resp.StatusCode)
	}

	resp = app.request(t, http.MethodPost, "/vendors/"+v.ID+"/approve", nil)
	recovered := decodeBody[storage.Vendor](t, resp)
	if recovered.OutreachStatus != lifecycle.OutreachPending {
		t.Errorf("outreach = %q, want PENDING after re-approval", recovered.OutreachStatus)
	}

	tasks, err := app.store.ListTasks(storage.TaskPending, 10)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Type != storage.TaskGenerate {
		t.Errorf("tasks = %+v, want one pending GENERATE", tasks)
	}
}

func TestGetVendor_NotFound(t *testing.T) {
	app := newTestApp(t)

	resp := app.request(t, http.MethodGet, "/vendors/nope", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListVendors_StatusFilter(t *testing.T) {
	app := newTestApp(t)
	app.seedVendor(t, storage.Vendor{ID: "v-1", Name: "Acme"})
	app.seedVendor(t, storage.Vendor{ID: "v-2", Name: "Bolt Electric", Status: lifecycle.StatusActive})

	resp := app.request(t, http.MethodGet, "/vendors?status=ACTIVE", nil)
	vendors := decodeBody[[]storage.Vendor](t, resp)
	if len(vendors) != 1 || vendors[0].ID != "v-2" {
		t.Errorf("vendors = %+v, want only v-2", vendors)
	}

	resp = app.request(t, http.MethodGet, "/vendors?status=NEGOTIATING", nil)
	vendors = decodeBody[[]storage.Vendor](t, resp)
	if vendors == nil || len(vendors) != 0 {
		t.Errorf("empty filter must return [], got %+v", vendors)
	}
}

func TestApprove_QueuesTask(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{Phone: "+15551234567"})

	resp := app.request(t, http.MethodPost, "/vendors/"+v.ID+"/approve", map[string]bool{"urgent": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decodeBody[storage.Vendor](t, resp)
	if got.Status != lifecycle.StatusQualified {
		t.Errorf("status = %s, want QUALIFIED", got.Status)
	}
	if !got.Urgent {
		t.Error("urgent flag not applied")
	}

	tasks, err := app.store.ListTasks(storage.TaskPending, 10)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Type != storage.TaskGenerate {
		t.Errorf("tasks = %+v, want one pending GENERATE", tasks)
	}
}

func TestApprove_EmptyBodyAllowed(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{Phone: "+15551234567"})

	resp := app.request(t, http.MethodPost, "/vendors/"+v.ID+"/approve", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 for bodyless approve", resp.StatusCode)
	}
}

func TestApprove_InvalidTransitionConflicts(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{Status: lifecycle.StatusRejected})

	resp := app.request(t, http.MethodPost, "/vendors/"+v.ID+"/approve", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	body := decodeBody[map[string]map[string]string](t, resp)
	if body["error"]["type"] != "invalid_transition" {
		t.Errorf("error type = %q, want invalid_transition", body["error"]["type"])
	}
}

func TestRejectAndActivate(t *testing.T) {
	app := newTestApp(t)
	neg := app.seedVendor(t, storage.Vendor{ID: "v-neg", Status: lifecycle.StatusNegotiating})
	pend := app.seedVendor(t, storage.Vendor{ID: "v-pend"})

	resp := app.request(t, http.MethodPost, "/vendors/"+neg.ID+"/activate", nil)
	got := decodeBody[storage.Vendor](t, resp)
	if got.Status != lifecycle.StatusActive {
		t.Errorf("status = %s, want ACTIVE", got.Status)
	}

	resp = app.request(t, http.MethodPost, "/vendors/"+pend.ID+"/reject", nil)
	got = decodeBody[storage.Vendor](t, resp)
	if got.Status != lifecycle.StatusRejected {
		t.Errorf("status = %s, want REJECTED", got.Status)
	}

	resp = app.request(t, http.MethodPost, "/vendors/does-not-exist/reject", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReply_RecordsAndClassifies(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{
		Status:         lifecycle.StatusQualified,
		OutreachStatus: lifecycle.OutreachSent,
	})
	app.classifier.result = classify.Result{Intent: classify.IntentInterested, Reply: "Great, let's set up a call."}

	resp := app.request(t, http.MethodPost, "/vendors/"+v.ID+"/replies", map[string]string{
		"message": "Sounds good, when can we start?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	res := decodeBody[classify.Result](t, resp)
	if res.Intent != classify.IntentInterested {
		t.Errorf("intent = %s, want INTERESTED", res.Intent)
	}

	got, _ := app.store.GetVendor(v.ID)
	if got.Status != lifecycle.StatusNegotiating {
		t.Errorf("vendor status = %s, want NEGOTIATING", got.Status)
	}
}

func TestReply_MessageRequired(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{})

	resp := app.request(t, http.MethodPost, "/vendors/"+v.ID+"/replies", map[string]string{"message": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestActivities_NewestFirst(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{Phone: "+15551234567"})

	resp := app.request(t, http.MethodPost, "/vendors/"+v.ID+"/approve", nil)
	resp.Body.Close()
	resp = app.request(t, http.MethodPost, "/vendors/"+v.ID+"/replies", map[string]string{"message": "tell me more"})
	resp.Body.Close()

	resp = app.request(t, http.MethodGet, "/vendors/"+v.ID+"/activities?limit=50", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	activities := decodeBody[[]activityResponse](t, resp)
	if len(activities) < 2 {
		t.Fatalf("activities = %d, want at least the approval and the reply", len(activities))
	}
	for i := 1; i < len(activities); i++ {
		if activities[i].Seq >= activities[i-1].Seq {
			t.Errorf("activities not newest first: seq[%d]=%d, seq[%d]=%d", i-1, activities[i-1].Seq, i, activities[i].Seq)
		}
	}
	if activities[0].VendorID != v.ID {
		t.Errorf("vendor_id = %s, want %s", activities[0].VendorID, v.ID)
	}
}

func TestListTasks_StatusFilter(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{Phone: "+15551234567"})

	resp := app.request(t, http.MethodPost, "/vendors/"+v.ID+"/approve", nil)
	resp.Body.Close()

	resp = app.request(t, http.MethodGet, "/tasks?status=PENDING", nil)
	tasks := decodeBody[[]taskResponse](t, resp)
	if len(tasks) != 1 || tasks[0].Type != storage.TaskGenerate {
		t.Fatalf("tasks = %+v, want one pending GENERATE", tasks)
	}
	if tasks[0].VendorID != v.ID {
		t.Errorf("vendor_id = %s, want %s", tasks[0].VendorID, v.ID)
	}

	resp = app.request(t, http.MethodGet, "/tasks?status=FAILED", nil)
	tasks = decodeBody[[]taskResponse](t, resp)
	if len(tasks) != 0 {
		t.Errorf("FAILED filter returned %d tasks, want 0", len(tasks))
	}
}

func TestRequeueTask(t *testing.T) {
	app := newTestApp(t)
	v := app.seedVendor(t, storage.Vendor{Phone: "+15551234567"})

	task, _, err := app.store.EnqueueTask(storage.Task{
		VendorID:    v.ID,
		Type:        storage.TaskGenerate,
		ScheduledAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	// A PENDING task cannot be requeued, only FAILED ones.
	resp := app.request(t, http.MethodPost, "/tasks/"+task.ID+"/requeue", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("requeue of pending task: status = %d, want 409", resp.StatusCode)
	}

	if _, err := app.store.DB().Exec(`UPDATE tasks SET status = 'FAILED', last_error = 'boom' WHERE id = ?`, task.ID); err != nil {
		t.Fatalf("failing task: %v", err)
	}

	resp = app.request(t, http.MethodPost, "/tasks/"+task.ID+"/requeue", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	clone := decodeBody[taskResponse](t, resp)
	if clone.ID == task.ID {
		t.Error("requeue must create a new task, not reopen the failed one")
	}
	if clone.Status != storage.TaskPending || clone.RetryCount != 0 {
		t.Errorf("clone = %+v, want fresh PENDING", clone)
	}

	resp = app.request(t, http.MethodPost, "/tasks/missing/requeue", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
