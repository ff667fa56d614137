package kvstore

import (
	"encoding/json"
	"net/http"
)

type GetRequest struct {
	Key          string `json:"key"`
	Linearizable bool   `json:"linearizable"`
}

type PutRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type CasRequest struct {
	Key           string `json:"key"`
	Value         string `json:"value"`
	ExpectedValue string `json:"expectedValue"`
}

type DeleteRequest struct {
	Key string `json:"key"`
}

// Handler returns the HTTP API for this store.
func (s *Store) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /get", s.handleGet)
	mux.HandleFunc("POST /put", s.handlePut)
	mux.HandleFunc("POST /putIfAbsent", s.handlePutIfAbsent)
	mux.HandleFunc("POST /cas", s.handleCas)
	mux.HandleFunc("POST /delete", s.handleDelete)
	return mux
}

func (s *Store) respondJson(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Errorf("Error encoding to JSON: %v", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
	}
}

func (s *Store) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		s.logger.Errorf("Error executing command: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.respondJson(w, payload)
}

func (s *Store) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJson[GetRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.Get(req.Key, req.Linearizable)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.respondJson(w, res)
}

func (s *Store) handlePut(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJson[PutRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.Put(req.Key, req.Value)
	s.respond(w, res, err)
}

func (s *Store) handlePutIfAbsent(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJson[PutRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.PutIfAbsent(req.Key, req.Value)
	s.respond(w, res, err)
}

func (s *Store) handleCas(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJson[CasRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.Cas(req.Key, req.ExpectedValue, req.Value)
	s.respond(w, res, err)
}

func (s *Store) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJson[DeleteRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.Delete(req.Key)
	s.respond(w, res, err)
}

func decodeJson[T any](r *http.Request) (T, error) {
	var req T
	decoder := json.NewDecoder(r.Body)
	err := decoder.Decode(&req)
	defer r.Body.Close()
	return req, err
}
