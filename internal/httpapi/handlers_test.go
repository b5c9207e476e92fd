package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"switchdesk/internal/agents"
	"switchdesk/internal/calls"
	"switchdesk/internal/dispatch"
	"switchdesk/internal/ringbus"
	"switchdesk/internal/store"

	"switchdesk/internal/auth"

	"github.com/gin-gonic/gin"
)

type apiFixture struct {
	router *gin.Engine
	reg    *store.Memory
	now    time.Time
}

func newAPIFixture(t *testing.T, agentID string) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		reg: store.NewMemory(),
		now: time.Unix(1700000000, 0).UTC(),
	}
	svc := dispatch.NewService(f.reg, ringbus.NewMemoryBus(), nil, nil, nil, nil)

	h := Handlers{
		Dispatch: svc,
		Registry: f.reg,
		OrganizationResolver: func(ctx context.Context, toNumber string) (string, error) {
			return "org1", nil
		},
		Now: func() time.Time { return f.now },
	}

	r := gin.New()
	identity := func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), agentID, "org1", "agent")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}

	v1 := r.Group("/v1", identity)
	{
		v1.POST("/calls/:call_id/claim", h.ClaimCall)
		v1.POST("/calls/:call_id/park", h.ParkCall)
		v1.POST("/calls/:call_id/transfer", h.TransferCall)
		v1.POST("/calls/:call_id/end", h.EndCall)
		v1.GET("/calls", h.ListCalls)
	}
	r.POST("/webhooks/telephony/voice", h.HandleVoiceWebhook)
	r.POST("/webhooks/telephony/status", h.HandleStatusWebhook)

	f.router = r
	return f
}

func (f *apiFixture) seedAgent(id string) {
	f.reg.PutAgent(agents.Agent{ID: id, OrganizationID: "org1", Role: "agent", IsAvailable: true})
}

func (f *apiFixture) seedRinging(id string) {
	c := calls.Call{
		ID:             id,
		OrganizationID: "org1",
		Direction:      calls.DirectionInbound,
		FromNumber:     "+15550001111",
		ToNumber:       "+15552220000",
		ExternalLegID:  "CA-" + id,
		Status:         calls.StatusRinging,
		CreatedAt:      f.now,
	}
	if err := f.reg.CreateCall(context.Background(), c); err != nil {
		panic(err)
	}
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func postForm(r *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	return w
}

func TestClaimCall_WinThenConflict(t *testing.T) {
	f := newAPIFixture(t, "agentA")
	f.seedAgent("agentA")
	f.seedRinging("c1")

	w := postJSON(f.router, "/v1/calls/c1/claim", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Won  bool       `json:"won"`
		Call calls.Call `json:"call"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Won || resp.Call.Status != calls.StatusInProgress {
		t.Fatalf("unexpected response: %+v", resp)
	}

	w = postJSON(f.router, "/v1/calls/c1/claim", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second claim, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "already_claimed") {
		t.Fatalf("expected already_claimed body, got %s", w.Body.String())
	}
}

func TestClaimCall_UnknownCallIs404(t *testing.T) {
	f := newAPIFixture(t, "agentA")
	f.seedAgent("agentA")

	w := postJSON(f.router, "/v1/calls/missing/claim", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestParkCall_NotOwnerIs403(t *testing.T) {
	f := newAPIFixture(t, "agentB")
	f.seedAgent("agentA")
	f.seedAgent("agentB")
	f.seedRinging("c1")

	if _, won, err := f.reg.ClaimCall(context.Background(), "c1", "agentA", f.now); err != nil || !won {
		t.Fatalf("seed claim: won=%v err=%v", won, err)
	}

	w := postJSON(f.router, "/v1/calls/c1/park", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestParkCall_RingingIs400(t *testing.T) {
	f := newAPIFixture(t, "agentA")
	f.seedAgent("agentA")
	f.seedRinging("c1")

	w := postJSON(f.router, "/v1/calls/c1/park", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEndCall_ReturnsDuration(t *testing.T) {
	f := newAPIFixture(t, "agentA")
	f.seedAgent("agentA")
	f.seedRinging("c1")

	if w := postJSON(f.router, "/v1/calls/c1/claim", ""); w.Code != 200 {
		t.Fatalf("claim: %d", w.Code)
	}

	f.now = f.now.Add(42 * time.Second)
	w := postJSON(f.router, "/v1/calls/c1/end", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Duration int `json:"duration"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Duration != 42 {
		t.Fatalf("expected duration 42, got %d", resp.Duration)
	}
}

func TestTransferCall_ValidatesBody(t *testing.T) {
	f := newAPIFixture(t, "agentA")
	f.seedAgent("agentA")
	f.seedAgent("agentB")
	f.seedRinging("c1")

	if w := postJSON(f.router, "/v1/calls/c1/claim", ""); w.Code != 200 {
		t.Fatalf("claim: %d", w.Code)
	}

	w := postJSON(f.router, "/v1/calls/c1/transfer", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without target, got %d", w.Code)
	}

	w = postJSON(f.router, "/v1/calls/c1/transfer", `{"target_agent_id":"agentB"}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListCalls_ScopedToOrganization(t *testing.T) {
	f := newAPIFixture(t, "agentA")
	f.seedRinging("c1")
	other := calls.Call{
		ID: "c2", OrganizationID: "org2", Direction: calls.DirectionInbound,
		Status: calls.StatusRinging, CreatedAt: f.now,
	}
	if err := f.reg.CreateCall(context.Background(), other); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/calls", nil))
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Calls []calls.Call `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Calls) != 1 || resp.Calls[0].ID != "c1" {
		t.Fatalf("expected only org1 calls, got %+v", resp.Calls)
	}
}

func TestVoiceWebhook_CreatesRingingCallAndRespondsTwiML(t *testing.T) {
	f := newAPIFixture(t, "agentA")
	f.seedAgent("agentA")

	w := postForm(f.router, "/webhooks/telephony/voice", url.Values{
		"CallSid": {"CA123"},
		"From":    {"+15550001111"},
		"To":      {"+15552220000"},
	})
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/xml") {
		t.Fatalf("expected xml content type, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<Conference") {
		t.Fatalf("expected waiting bridge TwiML, got %s", w.Body.String())
	}

	c, err := f.reg.FindCallByLeg(context.Background(), "CA123")
	if err != nil {
		t.Fatalf("call not created: %v", err)
	}
	if c.Status != calls.StatusRinging || c.OrganizationID != "org1" {
		t.Fatalf("unexpected call: %+v", c)
	}
}

func TestStatusWebhook_AlwaysAcks(t *testing.T) {
	f := newAPIFixture(t, "agentA")
	f.seedRinging("c1")

	w := postForm(f.router, "/webhooks/telephony/status", url.Values{
		"CallSid":    {"CA-c1"},
		"CallStatus": {"no-answer"},
	})
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	c, _ := f.reg.GetCall(context.Background(), "c1")
	if c.Status != calls.StatusNoAnswer {
		t.Fatalf("expected no_answer, got %s", c.Status)
	}

	// Unknown leg and duplicate callbacks still get 200.
	w = postForm(f.router, "/webhooks/telephony/status", url.Values{
		"CallSid":    {"CA-unknown"},
		"CallStatus": {"completed"},
	})
	if w.Code != 200 {
		t.Fatalf("expected 200 for unknown leg, got %d", w.Code)
	}
}
