package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/mux"
)

// Server exposes a Dispatcher over HTTP POST /v1/rpc on a mux.Router.
type Server struct {
	dispatcher *Dispatcher
	logger     btclog.Logger
}

// NewServer constructs an HTTP front end for dispatcher.
func NewServer(dispatcher *Dispatcher, logger btclog.Logger) *Server {
	return &Server{dispatcher: dispatcher, logger: logger}
}

// RegisterRoutes wires the JSON-RPC endpoint onto r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/rpc", s.handleRPC).Methods("POST")
}

func (s *Server) handleRPC(w http.ResponseWriter, req *http.Request) {
	var call Request
	if err := json.NewDecoder(req.Body).Decode(&call); err != nil {
		s.writeJSON(w, 400, Response{
			JSONRPC: "2.0",
			Error:   &ResponseError{Code: -32700, Message: "parse error"},
		})
		return
	}

	resp := s.dispatcher.Dispatch(call)
	s.writeJSON(w, HTTPStatusFor(resp), resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("rpc: failed to encode response: %v", err)
	}
}
