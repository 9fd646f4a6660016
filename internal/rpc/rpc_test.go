package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/mux"

	"github.com/swiftnode/swiftnode/internal/errors"
)

func TestDispatchMethodNotFound(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(Request{Method: "nope", ID: json.RawMessage("1")})

	if resp.Error == nil {
		t.Fatal("expected an error response for an unknown method")
	}
	if resp.Error.Code != int(errors.RPCMethodNotFound) {
		t.Fatalf("code = %d, want %d", resp.Error.Code, errors.RPCMethodNotFound)
	}
	if HTTPStatusFor(resp) != 404 {
		t.Fatalf("status = %d, want 404", HTTPStatusFor(resp))
	}
}

func TestDispatchTranslatesErrorKinds(t *testing.T) {
	d := NewDispatcher()
	d.Register("fail", func(json.RawMessage) (any, error) {
		return nil, errors.New(errors.Transient, "no peers")
	})

	resp := d.Dispatch(Request{Method: "fail", ID: json.RawMessage("2")})
	if resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != int(errors.RPCCodeFor(errors.Transient)) {
		t.Fatalf("code = %d, want %d", resp.Error.Code, errors.RPCCodeFor(errors.Transient))
	}
	if HTTPStatusFor(resp) != 503 {
		t.Fatalf("status = %d, want 503", HTTPStatusFor(resp))
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := NewDispatcher()
	d.Register("height", func(json.RawMessage) (any, error) {
		return uint32(42), nil
	})

	resp := d.Dispatch(Request{Method: "height", ID: json.RawMessage("3")})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.Result != uint32(42) {
		t.Fatalf("result = %v, want 42", resp.Result)
	}
	if HTTPStatusFor(resp) != 200 {
		t.Fatalf("status = %d, want 200", HTTPStatusFor(resp))
	}
}

func TestServerParseError(t *testing.T) {
	srv := NewServer(NewDispatcher(), btclog.Disabled)
	router := mux.NewRouter()
	srv.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/v1/rpc", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("expected a -32700 parse error, got %+v", resp.Error)
	}
}

func TestServerRoundTrip(t *testing.T) {
	d := NewDispatcher()
	d.Register("status", func(json.RawMessage) (any, error) {
		return map[string]any{"synced": true}, nil
	})
	srv := NewServer(d, btclog.Disabled)
	router := mux.NewRouter()
	srv.RegisterRoutes(router)

	body, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "status", ID: json.RawMessage("7")})
	req := httptest.NewRequest(http.MethodPost, "/v1/rpc", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Fatalf("id = %s, want 7", resp.ID)
	}
}
