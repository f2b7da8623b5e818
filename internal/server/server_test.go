package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/registry"
	"github.com/johndauphine/flatbridge/internal/service"
	"github.com/johndauphine/flatbridge/internal/testdb"
	"github.com/johndauphine/flatbridge/internal/transfer"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

func newTestServer(t *testing.T) (*Server, *service.Service, dbconfig.ConnectionConfig) {
	t.Helper()
	cfg := testdb.New(t)
	testdb.SeedOrders(t, cfg, 12)

	engine := transfer.NewEngine(registry.New(), transfer.Options{BatchSize: 5, OutputDir: t.TempDir()})
	svc, err := service.New(engine, service.Options{UploadDir: t.TempDir(), Connection: cfg})
	if err != nil {
		t.Fatal(err)
	}
	return New(svc), svc, cfg
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %s: %v", w.Body.String(), err)
	}
}

func TestConnectAndDescribe(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name     string
		path     string
		body     string
		code     int
		contains string
	}{
		{"connect default", "/api/connect", `{}`, http.StatusOK, `"tables":["customers","orders"]`},
		{"connect bad driver", "/api/connect", `{"type":"nosuchdb","host":"x"}`, http.StatusBadGateway, `"error_kind":"ConnectionError"`},
		{"columns", "/api/columns", `{"table":"customers"}`, http.StatusOK, `"name":"name"`},
		{"columns missing table", "/api/columns", `{"table":"nope"}`, http.StatusUnprocessableEntity, `"status":"error"`},
		{"columns bad json", "/api/columns", `{"table":`, http.StatusBadRequest, `"error_kind":"InvalidRequest"`},
		{"join columns", "/api/join-columns", `{"tables":["orders","customers"]}`, http.StatusOK, `"table":"customers"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.code {
				t.Errorf("code = %d, want %d (%s)", w.Code, tt.code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.contains) {
				t.Errorf("body %s does not contain %s", w.Body.String(), tt.contains)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", w.Code, w.Body.String())
	}
	var res service.HealthResult
	decode(t, w, &res)
	if !res.Connected || res.TableCount != 2 {
		t.Errorf("health = %+v", res)
	}
}

func TestUploadAndPreview(t *testing.T) {
	s, _, _ := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "people.tsv")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(fw, "id\tname\n1\tAnn\n2\t\n")
	mw.WriteField("delimiter", "tab")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("upload code = %d: %s", w.Code, w.Body.String())
	}
	var up service.UploadResponse
	decode(t, w, &up)
	if len(up.Columns) != 2 || up.Columns[1].Name != "name" {
		t.Fatalf("upload columns = %+v", up.Columns)
	}

	w = do(t, s, http.MethodPost, "/api/preview", `{"file_path":"`+up.Filename+`","delimiter":"tab"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("preview code = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"rows":[{"id":"1","name":"Ann"},{"id":"2","name":""}]`) {
		t.Errorf("preview body = %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/upload", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("upload without file: code = %d", w.Code)
	}
}

func TestTransferRoutes(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/transfers",
		`{"direction":"db_to_file","table":"orders","columns":["id","note"],"output_name":"orders.csv","wait":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start code = %d: %s", w.Code, w.Body.String())
	}
	var started service.TransferResponse
	decode(t, w, &started)
	if started.State != registry.StatusCompleted || started.Rows != 12 {
		t.Fatalf("transfer = %+v", started)
	}

	w = do(t, s, http.MethodGet, "/api/transfers/"+started.TransferID, "")
	var rec registry.Record
	decode(t, w, &rec)
	if w.Code != http.StatusOK || rec.Progress != 100 {
		t.Errorf("status: code %d, record %+v", w.Code, rec)
	}

	w = do(t, s, http.MethodGet, "/api/download/orders.csv", "")
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Body.String(), "id,note\n1,order 1\n2,\n") {
		t.Errorf("download: code %d body %q", w.Code, w.Body.String())
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"unknown status", http.MethodGet, "/api/transfers/nope", "", http.StatusNotFound},
		{"cancel finished", http.MethodPost, "/api/transfers/" + started.TransferID + "/cancel", "", http.StatusBadRequest},
		{"cancel unknown", http.MethodPost, "/api/transfers/nope/cancel", "", http.StatusNotFound},
		{"bad direction", http.MethodPost, "/api/transfers", `{"direction":"up","table":"orders","columns":["id"]}`, http.StatusBadRequest},
		{"bad download name", http.MethodGet, "/api/download/.hidden", "", http.StatusBadRequest},
		{"missing download", http.MethodGet, "/api/download/none.csv", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, tt.body)
			if w.Code != tt.code {
				t.Errorf("code = %d, want %d (%s)", w.Code, tt.code, w.Body.String())
			}
		})
	}

	w = do(t, s, http.MethodGet, "/api/transfers", "")
	var list struct {
		Transfers []registry.Record `json:"transfers"`
	}
	decode(t, w, &list)
	if len(list.Transfers) != 1 {
		t.Errorf("list = %+v", list.Transfers)
	}

	w = do(t, s, http.MethodDelete, "/api/transfers", "")
	if !strings.Contains(w.Body.String(), `"cleared":1`) {
		t.Errorf("clear body = %s", w.Body.String())
	}
}

func TestTransfersWebsocket(t *testing.T) {
	s, svc, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/transfers", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]" {
		t.Errorf("initial snapshot = %s, want []", data)
	}

	_, err = svc.StartTransfer(context.Background(), service.TransferRequest{
		SourceRequest: service.SourceRequest{Table: "orders", Columns: []string{"id"}},
		Direction:     "export",
	})
	if err != nil {
		t.Fatal(err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for completion: %v", err)
		}
		var recs []registry.Record
		if err := json.Unmarshal(data, &recs); err != nil {
			t.Fatal(err)
		}
		if len(recs) == 1 && recs[0].Status == registry.StatusCompleted {
			if recs[0].Rows != 12 {
				t.Errorf("rows = %d, want 12", recs[0].Rows)
			}
			return
		}
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{xferr.Errorf(xferr.KindInvalid, "op", "x"), http.StatusBadRequest},
		{xferr.Errorf(xferr.KindQueryBuild, "op", "x"), http.StatusBadRequest},
		{xferr.Errorf(xferr.KindNotFound, "op", "x"), http.StatusNotFound},
		{xferr.Errorf(xferr.KindSchema, "op", "x"), http.StatusUnprocessableEntity},
		{xferr.Errorf(xferr.KindConnection, "op", "x"), http.StatusBadGateway},
		{xferr.Errorf(xferr.KindWrite, "op", "x"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
