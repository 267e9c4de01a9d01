package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return &Record{
		ID:             "8a4c1f3e-3b7e-4c57-9d0e-5f8f6c2a1b90",
		UpdateID:       "u-1",
		ClientID:       "site-1",
		Round:          3,
		Technique:      "laplace",
		Status:         StatusApplied,
		GuaranteeModel: "pure-dp",
		FormalDP:       true,
		Epsilon:        1.5,
		NoiseScale:     0.25,
		Elements:       12,
		Scalars:        1,
		StepCount:      2,
		DurationMs:     4.5,
		Worker:         "worker-1",
		RecordedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

type influxRequest struct {
	query url.Values
	body  string
}

func newInfluxServer(t *testing.T) (*httptest.Server, func() []influxRequest) {
	t.Helper()
	var (
		mu     sync.Mutex
		writes []influxRequest
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			mu.Lock()
			writes = append(writes, influxRequest{query: r.URL.Query(), body: string(body)})
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	return server, func() []influxRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]influxRequest(nil), writes...)
	}
}

func TestInfluxSinkWrite(t *testing.T) {
	server, writes := newInfluxServer(t)
	logger, _ := test.NewNullLogger()

	sink, err := NewInfluxSink(&InfluxDBConfig{URL: server.URL, Token: "token", Organization: "fl-org", Bucket: "fl"}, logger)
	require.NoError(t, err)
	require.NoError(t, sink.Connect(context.Background()))
	defer sink.Close()

	require.NoError(t, sink.Write(context.Background(), sampleRecord()))

	requests := writes()
	require.Len(t, requests, 1)
	assert.Equal(t, "fl", requests[0].query.Get("bucket"))
	assert.Equal(t, "fl-org", requests[0].query.Get("org"))
	assert.Equal(t, "ms", requests[0].query.Get("precision"))

	line := requests[0].body
	assert.Regexp(t, `^privacy_audit,`, line)
	for _, part := range []string{
		"client_id=site-1",
		"technique=laplace",
		"status=applied",
		"guarantee_model=pure-dp",
		"worker=worker-1",
		`update_id="u-1"`,
		"round=3i",
		"formal_dp=true",
		"epsilon=1.5",
		"noise_scale=0.25",
		"elements=12i",
		"step_count=2i",
		"duration_ms=4.5",
	} {
		assert.Contains(t, line, part)
	}
	assert.NotContains(t, line, "error_code")
	assert.Contains(t, line, fmt.Sprintf(" %d", sampleRecord().RecordedAt.UnixMilli()))
}

func TestInfluxSinkConnectFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	logger, _ := test.NewNullLogger()

	sink, err := NewInfluxSink(&InfluxDBConfig{URL: server.URL, Bucket: "fl", Timeout: time.Second}, logger)
	require.NoError(t, err)
	assert.Error(t, sink.Connect(context.Background()))
	assert.Error(t, sink.Write(context.Background(), sampleRecord()))
}

type execCall struct {
	query string
	args  []driver.NamedValue
}

// recordingDriver is a database/sql driver that keeps every statement
// executed through it.
type recordingDriver struct {
	mu    sync.Mutex
	calls []execCall
}

func (d *recordingDriver) Open(string) (driver.Conn, error) {
	return &recordingConn{driver: d}, nil
}

func (d *recordingDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func (d *recordingDriver) executed() []execCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]execCall(nil), d.calls...)
}

type recordingConn struct {
	driver *recordingDriver
}

func (c *recordingConn) Prepare(string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepared statements are not supported")
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("transactions are not supported")
}

func (c *recordingConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	c.driver.calls = append(c.driver.calls, execCall{query: query, args: args})
	return driver.RowsAffected(1), nil
}

var auditDriver = &recordingDriver{}

func init() {
	sql.Register("audit-recording", auditDriver)
}

func TestPostgresSinkWrite(t *testing.T) {
	auditDriver.reset()
	logger, _ := test.NewNullLogger()

	sink, err := NewPostgresSink(&PostgresConfig{Host: "db", Database: "fl", Table: "round_audit"}, logger)
	require.NoError(t, err)
	sink.driver = "audit-recording"

	require.NoError(t, sink.Connect(context.Background()))
	defer sink.Close()

	record := sampleRecord()
	require.NoError(t, sink.Write(context.Background(), record))

	calls := auditDriver.executed()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].query, `CREATE TABLE IF NOT EXISTS "round_audit"`)
	assert.Contains(t, calls[1].query, `INSERT INTO "round_audit"`)

	args := make([]interface{}, len(calls[1].args))
	for i, arg := range calls[1].args {
		assert.Equal(t, i+1, arg.Ordinal)
		args[i] = arg.Value
	}
	assert.Equal(t, []interface{}{
		record.ID,
		"u-1",
		"site-1",
		int64(3),
		"laplace",
		StatusApplied,
		"pure-dp",
		true,
		1.5,
		0.0,
		0.0,
		0.0,
		0.25,
		0.0,
		int64(12),
		int64(1),
		int64(2),
		4.5,
		"",
		"",
		"",
		"worker-1",
		record.RecordedAt,
	}, args)
}
