package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xtreemfs/flease"
	"github.com/xtreemfs/flease/proposer"
	"github.com/xtreemfs/flease/stage"
	"github.com/xtreemfs/flease/transport"
)

func newServer(t *testing.T) *httptest.Server {
	network := transport.NewNetwork()
	clock := flease.NewManualClock(time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC))
	s, err := stage.New(flease.DefaultConfig("a"), network.Sender("a"), stage.WithClock(clock), stage.WithTimerInterval(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	network.Register("a", s)
	s.Start()
	t.Cleanup(func() {
		s.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.WaitForShutdown(ctx)
	})

	server := httptest.NewServer(HTTPHandler(s))
	t.Cleanup(server.Close)
	return server
}

func put(t *testing.T, server *httptest.Server, operation Operation) *http.Response {
	t.Helper()
	body, err := json.Marshal(&operation)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPut, server.URL+"/cells", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	res, err := server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func get(t *testing.T, server *httptest.Server, path string, v interface{}) int {
	t.Helper()
	res, err := server.Client().Get(server.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(res.Body).Decode(v); err != nil {
			t.Fatalf("Couldn't decode response of %s: %v", path, err)
		}
	}
	return res.StatusCode
}

func TestOpenAndList(t *testing.T) {
	server := newServer(t)

	res := put(t, server, Operation{
		Type: OpenOperation,
		Operation: map[string]interface{}{
			"cell":                 "volume-1",
			"request_master_epoch": true,
		},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", res.StatusCode)
	}
	var lease flease.Flease
	if err := json.NewDecoder(res.Body).Decode(&lease); err != nil {
		t.Fatal(err)
	}
	if lease.LeaseHolder != "a" || lease.MasterEpochNumber != 1 {
		t.Errorf("Unexpected lease %v", lease)
	}

	var leases map[string]flease.Flease
	if code := get(t, server, "/cells", &leases); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if leases["volume-1"].LeaseHolder != "a" {
		t.Errorf("Expected volume-1 to be held by a, got %v", leases)
	}

	var actions []proposer.Action
	if code := get(t, server, "/cells/volume-1/actions", &actions); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(actions) == 0 || actions[0].Name != proposer.ActionCellOpened {
		t.Errorf("Expected actions starting with %s, got %v", proposer.ActionCellOpened, actions)
	}

	if code := get(t, server, "/cells/volume-1", nil); code != http.StatusOK {
		t.Errorf("Expected 200 for the acceptor dump, got %d", code)
	}

	var stats stage.Stats
	if code := get(t, server, "/debug/stats", &stats); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if stats.InRequests == 0 || !stats.Running {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestCloseAndView(t *testing.T) {
	server := newServer(t)

	res := put(t, server, Operation{Type: CloseOperation, Operation: map[string]interface{}{"cell": "volume-1"}})
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for a cell which isn't open, got %d", res.StatusCode)
	}

	put(t, server, Operation{Type: OpenOperation, Operation: map[string]interface{}{"cell": "volume-1"}})
	res = put(t, server, Operation{Type: ViewOperation, Operation: map[string]interface{}{"cell": "volume-1", "view_id": 3}})
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204 for the view change, got %d", res.StatusCode)
	}
	res = put(t, server, Operation{Type: CloseOperation, Operation: map[string]interface{}{"cell": "volume-1", "surrender": true}})
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204 for close, got %d", res.StatusCode)
	}

	if code := get(t, server, "/cells/volume-1/actions", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for actions of a closed cell, got %d", code)
	}
}

func TestInvalidOperations(t *testing.T) {
	server := newServer(t)

	res := put(t, server, Operation{Type: "explode"})
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown operation, got %d", res.StatusCode)
	}
	res = put(t, server, Operation{Type: OpenOperation, Operation: map[string]interface{}{"cell": 5}})
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed operation, got %d", res.StatusCode)
	}
}
