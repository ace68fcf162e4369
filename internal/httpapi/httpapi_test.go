package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mdbconductor/conductor/internal/backend"
	"github.com/mdbconductor/conductor/internal/instancedriver"
	"github.com/mdbconductor/conductor/internal/minion"
	"github.com/mdbconductor/conductor/internal/sqlconn"
)

type fakeDriver struct {
	instances []instancedriver.Instance
	state     map[string]string
	ip        map[string]string
}

func newFakeDriver(instances ...instancedriver.Instance) *fakeDriver {
	d := &fakeDriver{instances: instances, state: make(map[string]string), ip: make(map[string]string)}
	for _, inst := range instances {
		d.state[inst.ID] = minion.StateReady
		d.ip[inst.ID] = inst.IP
	}
	return d
}

func (d *fakeDriver) FindInstances(tags map[string]string) ([]instancedriver.Instance, error) {
	return d.instances, nil
}
func (d *fakeDriver) DescribeInstance(id string) (string, string, error) {
	return d.state[id], d.ip[id], nil
}
func (d *fakeDriver) StartInstance(id string) error             { return nil }
func (d *fakeDriver) StopInstance(id string) error               { return nil }
func (d *fakeDriver) MemoryMiB(instanceType string) (int, bool) { return 0, false }

type fakeRows struct {
	columns []string
	data    [][]any
	idx     int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *int64:
			*v = row[i].(int64)
		}
	}
	return nil
}
func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Err() error        { return nil }
func (r *fakeRows) Close() error      { return nil }

type fakeConn struct{ queries map[string]*fakeRows }

func (c *fakeConn) Query(ctx context.Context, query string) (sqlconn.Rows, error) {
	switch {
	case strings.HasPrefix(query, "SELECT"):
		return &fakeRows{
			columns: []string{"schema", "table", "column", "colsize"},
			data:    [][]any{{"sys", "orders", "amount", int64(1024)}},
		}, nil
	case strings.HasPrefix(query, "EXPLAIN"):
		return &fakeRows{
			columns: []string{"plan"},
			data:    [][]any{{`sql.bind("sys","orders","amount",0,0)`}},
		}, nil
	default:
		rows, ok := c.queries[query]
		if !ok {
			panic("fakeConn: unexpected query: " + query)
		}
		rows.idx = 0
		return rows, nil
	}
}
func (c *fakeConn) Close() error { return nil }

type fakeConnector struct {
	host    string
	queries map[string]*fakeRows
}

func (c *fakeConnector) Connect(ctx context.Context) (sqlconn.Conn, error) {
	return &fakeConn{queries: c.queries}, nil
}
func (c *fakeConnector) URL() string { return "mapi:fake://" + c.host }
func (c *fakeConnector) WithHost(host string) (sqlconn.Connector, error) {
	return &fakeConnector{host: host, queries: c.queries}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	d := newFakeDriver(instancedriver.Instance{ID: "a", Name: "minion-a", IP: "10.0.0.5"})
	connector := &fakeConnector{
		host: "HOSTNAME",
		queries: map[string]*fakeRows{
			"select 1": {columns: []string{"n"}, data: [][]any{{int64(1)}}},
		},
	}
	b, err := backend.New(context.Background(),
		[]backend.PoolConfig{{Name: "small", MemoryMiB: 1024}}, connector, d, 50000)
	if err != nil {
		t.Fatalf("backend.New error = %v", err)
	}
	return New(b, t.TempDir())
}

func TestQueryMissingFieldReturns400(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/query/", strings.NewReader(url.Values{}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestQueryDispatchesAndReturnsJSON(t *testing.T) {
	s := newTestServer(t)
	form := url.Values{"query": {"select 1"}}
	req := httptest.NewRequest(http.MethodPost, "/query/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp queryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Advice != "small" {
		t.Fatalf("Advice = %q, want small", resp.Advice)
	}
	if resp.Rows != 1 {
		t.Fatalf("Rows = %d, want 1", resp.Rows)
	}
}

func TestPoolSizeRejectsNegativeSize(t *testing.T) {
	s := newTestServer(t)
	form := url.Values{"small": {"-1"}}
	req := httptest.NewRequest(http.MethodPost, "/poolsize/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPoolSizeAcceptsValidUpdate(t *testing.T) {
	s := newTestServer(t)
	form := url.Values{"small": {"3"}}
	req := httptest.NewRequest(http.MethodPost, "/poolsize/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "OK" {
		t.Fatalf("body = %q, want OK", rec.Body.String())
	}
}

func TestStatusGetReturnsText(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "small") {
		t.Fatalf("body = %q, want it to mention pool small", rec.Body.String())
	}
}

func TestStaticRejectsPathTraversal(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.URL.Path = "/../etc/passwd" // bypass ServeMux's own path cleaning/redirect
	rec := httptest.NewRecorder()
	s.wrap(s.handleStatic)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a traversal attempt", rec.Code)
	}
}
