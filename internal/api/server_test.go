package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/flitsinc/go-observation/internal/cluster"
	"github.com/flitsinc/go-observation/internal/cluster/memadapter"
	"github.com/flitsinc/go-observation/internal/converters"
	"github.com/flitsinc/go-observation/internal/execctx"
	"github.com/flitsinc/go-observation/internal/journal"
	"github.com/flitsinc/go-observation/internal/model"
	"github.com/flitsinc/go-observation/internal/observation"
	"github.com/flitsinc/go-observation/internal/remote"
	"github.com/flitsinc/go-observation/internal/replication"
	"github.com/flitsinc/go-observation/internal/state"
	"github.com/flitsinc/go-observation/internal/testutil"
)

type apiNode struct {
	server *Server
	client *http.Client

	mu     sync.Mutex
	events []observation.LocalEvent
	users  []string
}

func (n *apiNode) record(ctx context.Context, event observation.LocalEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.users = append(n.users, execctx.User(ctx))
}

func (n *apiNode) kinds() []observation.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]observation.Kind, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}

// newAPINode wires one node the way observerd does, on the shared document
// db and the in-memory network. A nil network gives a node with remote
// observation disabled.
func newAPINode(t *testing.T, network *memadapter.Network, shared *sql.DB, id string) *apiNode {
	t.Helper()
	journalDB, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	store := state.NewStore(shared)
	dispatcher := observation.NewDispatcher()
	j := journal.New(journalDB)
	registry := remote.NewRegistry(converters.Builtin(store, nil, nil)...)

	var factory cluster.AdapterFactory
	if network != nil {
		factory = network.Factory(id)
	}
	mgr, err := replication.NewManager(registry, dispatcher, factory, replication.WithJournal(j))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	mgr.Listen(dispatcher)

	n := &apiNode{server: &Server{
		Manager:    mgr,
		Dispatcher: dispatcher,
		Store:      store,
		Journal:    j,
		Info:       DiagnosticsInfo{NodeID: id, Adapter: "memory"},
	}}
	domain := append(append([]observation.Kind{observation.KindActionExecuted}, observation.DocumentKinds...), observation.WikiKinds...)
	dispatcher.Subscribe(observation.ListenerFunc(n.record), domain...)
	n.client = testutil.NewInProcessClient(n.server.Handler())
	return n
}

func TestDocumentSaveReplicatesThroughAPI(t *testing.T) {
	shared, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	network := memadapter.NewNetwork()
	a := newAPINode(t, network, shared, "node-a")
	b := newAPINode(t, network, shared, "node-b")

	for _, n := range []*apiNode{a, b} {
		resp := doJSON(t, n.client, "POST", "/api/channels/events", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("start channel: %d body=%s", resp.StatusCode, readBody(t, resp))
		}
		var info cluster.Info
		decodeJSONResponse(t, resp, &info)
		if info.State != "started" {
			t.Fatalf("unexpected channel info %+v", info)
		}
	}

	resp := doJSON(t, a.client, "PUT", "/api/documents/wiki-A/Main/Home", map[string]any{"content": "hello", "locale": "en"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var doc model.Document
	decodeJSONResponse(t, resp, &doc)
	if doc.Version != "1.1" {
		t.Fatalf("unexpected version %q", doc.Version)
	}

	resp = doJSONAs(t, a.client, "PUT", "/api/documents/wiki-A/Main/Home", "alice", map[string]any{"content": "hello again", "locale": "en"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	_ = readBody(t, resp)

	got := b.kinds()
	if len(got) != 2 || got[0] != observation.KindDocumentCreated || got[1] != observation.KindDocumentUpdated {
		t.Fatalf("unexpected events at node-b: %v", got)
	}
	b.mu.Lock()
	user := b.users[1]
	updated := b.events[1].Source.(*model.Document)
	b.mu.Unlock()
	if user != "alice" {
		t.Fatalf("expected remote user alice, got %q", user)
	}
	if updated.Version != "1.2" || updated.Original == nil || updated.Original.Version != "1.1" {
		t.Fatalf("unexpected replicated document %+v", updated)
	}

	resp = doJSON(t, b.client, "GET", "/api/journal?direction=in&order=fifo", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("journal status: %d", resp.StatusCode)
	}
	var listed struct {
		Entries []journal.Entry `json:"entries"`
	}
	decodeJSONResponse(t, resp, &listed)
	if len(listed.Entries) != 2 {
		t.Fatalf("expected 2 inbound entries, got %d", len(listed.Entries))
	}
	if e := listed.Entries[0]; e.Outcome != journal.OutcomeDelivered || e.Member != "node-a" || e.Kind != string(observation.KindDocumentCreated) {
		t.Fatalf("unexpected entry %+v", e)
	}

	resp = doJSON(t, a.client, "GET", "/api/journal?direction=in", nil)
	decodeJSONResponse(t, resp, &listed)
	if len(listed.Entries) != 0 {
		t.Fatalf("node-a must not receive its own events, got %+v", listed.Entries)
	}
}

func TestWikiAndActionEndpoints(t *testing.T) {
	shared, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	network := memadapter.NewNetwork()
	a := newAPINode(t, network, shared, "node-a")
	b := newAPINode(t, network, shared, "node-b")
	for _, n := range []*apiNode{a, b} {
		if err := n.server.Manager.StartChannel(context.Background(), "events"); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	resp := doJSON(t, a.client, "POST", "/api/wikis", map[string]any{"id": "wiki-B", "owner": "alice"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create wiki: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	_ = readBody(t, resp)

	resp = doJSON(t, a.client, "PUT", "/api/documents/wiki-B/Main/Upload", map[string]any{"content": "x"})
	_ = readBody(t, resp)

	for _, action := range []string{"upload", "view"} {
		resp = doJSON(t, a.client, "POST", "/api/actions", map[string]any{"action": action, "document": "wiki-B:Main.Upload"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("action %s: %d body=%s", action, resp.StatusCode, readBody(t, resp))
		}
		_ = readBody(t, resp)
	}

	resp = doJSON(t, a.client, "DELETE", "/api/wikis/wiki-B", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete wiki: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	_ = readBody(t, resp)

	want := []observation.Kind{
		observation.KindWikiCreated,
		observation.KindWikiReady,
		observation.KindDocumentCreated,
		observation.KindActionExecuted,
		observation.KindWikiDeleted,
	}
	got := b.kinds()
	if len(got) != len(want) {
		t.Fatalf("unexpected events at node-b: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	b.mu.Lock()
	name := b.events[3].Name
	b.mu.Unlock()
	if name != "upload" {
		t.Fatalf("expected the upload action, got %q", name)
	}
	if kinds := a.kinds(); len(kinds) != 6 {
		t.Fatalf("node-a should see every local event, got %v", kinds)
	}

	resp = doJSON(t, a.client, "DELETE", "/api/wikis/wiki-B", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a deleted wiki, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)
}

func TestDocumentEndpointErrors(t *testing.T) {
	shared, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	n := newAPINode(t, nil, shared, "node-a")

	resp := doJSON(t, n.client, "GET", "/api/documents/wiki-A/Main/Missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	resp = doJSON(t, n.client, "PUT", "/api/documents/wiki-A/Main", map[string]any{"content": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a short path, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	resp = doJSON(t, n.client, "PUT", "/api/documents/wiki-A/Main/Home", map[string]any{"content": "x", "bogus": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	resp = doJSON(t, n.client, "POST", "/api/actions", map[string]any{"action": "upload", "document": "not-a-reference"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad reference, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)
}

func TestChannelsWhenDisabled(t *testing.T) {
	shared, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	n := newAPINode(t, nil, shared, "node-a")

	resp := doJSON(t, n.client, "POST", "/api/channels/events", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	_ = readBody(t, resp)

	resp = doJSON(t, n.client, "POST", "/api/channels/bad%20name", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid channel id, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	resp = doJSON(t, n.client, "GET", "/api/channels", nil)
	var listed struct {
		Enabled  bool           `json:"enabled"`
		Channels []cluster.Info `json:"channels"`
	}
	decodeJSONResponse(t, resp, &listed)
	if listed.Enabled || len(listed.Channels) != 0 {
		t.Fatalf("unexpected channels response %+v", listed)
	}

	// Local listeners still see events.
	resp = doJSON(t, n.client, "PUT", "/api/documents/wiki-A/Main/Home", map[string]any{"content": "x"})
	_ = readBody(t, resp)
	if kinds := n.kinds(); len(kinds) != 1 || kinds[0] != observation.KindDocumentCreated {
		t.Fatalf("unexpected local events %v", kinds)
	}
}

func TestDiagnosticsAndRestart(t *testing.T) {
	shared, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	n := newAPINode(t, memadapter.NewNetwork(), shared, "node-a")

	resp := doJSON(t, n.client, "GET", "/api/diagnostics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("diagnostics status: %d", resp.StatusCode)
	}
	var diag DiagnosticsResponse
	decodeJSONResponse(t, resp, &diag)
	if !diag.Enabled || diag.Info.NodeID != "node-a" {
		t.Fatalf("unexpected diagnostics %+v", diag)
	}
	if diag.Replication["listeners"] != float64(2) {
		t.Fatalf("expected 2 listeners, got %v", diag.Replication["listeners"])
	}

	resp = doJSON(t, n.client, "POST", "/api/admin/restart", nil)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	restarted := false
	n.server.Restart = func() error { restarted = true; return nil }
	n.server.RestartToken = "secret"
	client := testutil.NewInProcessClient(n.server.Handler())
	resp = doJSON(t, client, "POST", "/api/admin/restart", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	req, _ := http.NewRequest("POST", "http://in-process/api/admin/restart", nil)
	req.Header.Set("X-Restart-Token", "secret")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted || !restarted {
		t.Fatalf("expected accepted restart, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	return doJSONAs(t, client, method, path, "", payload)
}

func doJSONAs(t *testing.T, client *http.Client, method, path, user string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
