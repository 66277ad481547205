package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Cert   domain.Certification
	Entity domain.CertificationEntity
	Item   domain.CertificationItem
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer serves a migrated temp-dir database with one certification:
// certifier alice, certified subject bob, plus system admin ops.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("cert-1"))
	e.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	for _, id := range []domain.Identity{
		{Name: "alice", DisplayName: "Alice A"},
		{Name: "bob", DisplayName: "Bob B"},
		{Name: "carol", DisplayName: "Carol C"},
		{Name: "ops", DisplayName: "Ops", Capabilities: []string{domain.CapSystemAdmin}},
	} {
		if err := e.Repo.UpsertIdentity(ctx, id); err != nil {
			t.Fatalf("seed identity %s: %v", id.Name, err)
		}
	}
	cert, err := e.CreateCertification(ctx, engine.CertificationCreateOptions{
		ID:         "cert-1",
		Name:       "Q1 manager review",
		Certifiers: []string{"alice"},
		ActorName:  "alice",
	})
	if err != nil {
		t.Fatalf("create certification: %v", err)
	}
	entity, err := e.AddEntity(ctx, domain.CertificationEntity{
		CertificationID: cert.ID,
		Type:            domain.EntityIdentity,
		TargetName:      "bob",
	}, "alice")
	if err != nil {
		t.Fatalf("add entity: %v", err)
	}
	item, err := e.AddItem(ctx, domain.CertificationItem{
		EntityID:    entity.ID,
		Type:        domain.ItemException,
		TargetName:  "payroll-read",
		Application: "hr-app",
		AccountName: "bob",
	}, "alice")
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Cert:   cert,
		Entity: entity,
		Item:   item,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func bearerFor(t *testing.T, name string) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: name})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/certifications", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/certifications", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must be open, got %d", res.StatusCode)
	}
}

func TestDecisionAndView(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	alice := bearerFor(t, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+srv.Item.ID+"/decision", map[string]any{
		"status": "approved",
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	var item domain.CertificationItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if item.Action == nil || item.Action.Status != domain.StatusApproved {
		t.Fatalf("action not stored: %+v", item.Action)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+srv.Item.ID+"/view", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("view status %d: %s", res.StatusCode, string(data))
	}
	var view engine.ItemView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", view.Status)
	}
	if view.ReadOnly {
		t.Fatalf("certifier must keep edit rights, rule %s", view.ReadOnlyRule)
	}
	if len(view.Choices) == 0 {
		t.Fatal("expected status choices for an editable item")
	}
}

func TestNonCertifierForbidden(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+srv.Item.ID+"/decision", map[string]any{
		"status": "approved",
	}, bearerFor(t, "carol"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details["actor"] != "carol" {
		t.Fatalf("expected actor detail, got %v", envelope.Error.Details)
	}
}

func TestDelegationOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	alice := bearerFor(t, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+srv.Item.ID+"/delegation", map[string]any{
		"recipient": "carol",
		"comments":  "please review",
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delegate status %d: %s", res.StatusCode, string(data))
	}
	var item domain.CertificationItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if item.Delegation == nil || item.Delegation.OwnerName != "carol" {
		t.Fatalf("delegation not stored: %+v", item.Delegation)
	}
	workItemID := item.Delegation.WorkItemID

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workitems", nil, bearerFor(t, "carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list work items status %d: %s", res.StatusCode, string(data))
	}
	var workItems []domain.WorkItem
	if err := json.Unmarshal(data, &workItems); err != nil {
		t.Fatalf("unmarshal work items: %v", err)
	}
	found := false
	for _, wi := range workItems {
		if wi.ID == workItemID {
			found = true
		}
	}
	if !found {
		t.Fatalf("delegation work item %s not in carol's queue: %+v", workItemID, workItems)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/items/"+srv.Item.ID+"/delegation", nil, alice)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke delegation status %d: %s", res.StatusCode, string(data))
	}
}

func TestSelfCertificationEnvelope(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	// Default level is system_admin; bob is the certified subject.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+srv.Item.ID+"/delegation", map[string]any{
		"recipient": "bob",
	}, bearerFor(t, "alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "self_certification_forbidden" {
		t.Fatalf("expected self_certification_forbidden, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details["recipient"] != "bob" {
		t.Fatalf("expected recipient detail, got %v", envelope.Error.Details)
	}
}

func TestSignOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	alice := bearerFor(t, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/certifications/"+srv.Cert.ID+"/sign", nil, alice)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for undecided items, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+srv.Item.ID+"/decision", map[string]any{
		"status": "approved",
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/certifications/"+srv.Cert.ID+"/sign", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sign status %d: %s", res.StatusCode, string(data))
	}
	var signed SignResponse
	if err := json.Unmarshal(data, &signed); err != nil {
		t.Fatalf("unmarshal sign response: %v", err)
	}
	if !signed.Signed || len(signed.Warnings) != 0 {
		t.Fatalf("expected clean sign, got %+v", signed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+srv.Item.ID+"/decision", map[string]any{
		"status": "remediated",
	}, alice)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("signed certification must reject decisions, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	// alice lacks the admin capability.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_name": "alice",
	}, bearerFor(t, "alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_name": "alice",
		"name":       "ci",
	}, bearerFor(t, "ops"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal api key: %v", err)
	}
	if created.Key == "" {
		t.Fatal("expected plaintext key in creation response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorName != "alice" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, bearerFor(t, "ops"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete api key status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key must not authenticate, got %d", res.StatusCode)
	}
}
