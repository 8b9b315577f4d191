package core

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPCommandAndQuery(t *testing.T) {
	n := newTestNode(t)
	srv := httptest.NewServer(NewRouter(n, quietLogger()))
	defer srv.Close()

	body := `{"command":"create_network","params":{"name":"net","username":"alice"}}`
	resp, err := http.Post(srv.URL+"/v1/command", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var cmdRes CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&cmdRes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cmdRes.Success || len(cmdRes.EventIDs) == 0 {
		t.Fatalf("command result: %+v", cmdRes)
	}

	q, err := http.Get(srv.URL + "/v1/query/networks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer q.Body.Close()
	var qRes struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := json.NewDecoder(q.Body).Decode(&qRes); err != nil {
		t.Fatalf("decode query: %v", err)
	}
	if len(qRes.Rows) != 1 {
		t.Fatalf("rows = %d want 1", len(qRes.Rows))
	}

	bad, err := http.Post(srv.URL+"/v1/command", "application/json", strings.NewReader(`{"command":"nope"}`))
	if err != nil {
		t.Fatalf("post bad: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad command status = %d", bad.StatusCode)
	}
}
