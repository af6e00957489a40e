package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"contractd/coordinator"
	"contractd/transport"
)

type HealthResponse struct {
	TransportOK        bool   `json:"transport_ok"`
	TransportErr       string `json:"transport_error,omitempty"`
	CoordinatorRunning bool   `json:"coordinator_running"`
	PeerID             string `json:"peer_id,omitempty"`
	Topic              string `json:"topic"`
}

type considerRequest struct {
	CID   string `json:"cid,omitempty"`
	Owner string `json:"owner,omitempty"`
	Size  int64  `json:"size,omitempty"`
}

type considerResponse struct {
	Scheduled bool `json:"scheduled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type apiServer struct {
	coord     *coordinator.Coordinator
	transport transport.Transport
	gatherer  prometheus.Gatherer
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

func newAPIServer(coord *coordinator.Coordinator, t transport.Transport, gatherer prometheus.Gatherer, log *zap.Logger) *apiServer {
	return &apiServer{
		coord:     coord,
		transport: t,
		gatherer:  gatherer,
		log:       log,
		upgrader: websocket.Upgrader{
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *apiServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.Methods("GET").Path("/health").HandlerFunc(s.health)
	r.Methods("GET").Path("/state").HandlerFunc(s.state)
	r.Methods("GET").Path("/events").HandlerFunc(s.events)
	r.Methods("GET").Path("/metrics").Handler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Methods("POST").Path("/contracts/{id}/claim").HandlerFunc(s.claim)
	r.Methods("POST").Path("/contracts/{id}/release").HandlerFunc(s.release)
	r.Methods("POST").Path("/contracts/{id}/who-has").HandlerFunc(s.whoHas)
	r.Methods("POST").Path("/contracts/{id}/consider").HandlerFunc(s.consider)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *apiServer) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()

	state := s.coord.State()
	resp := HealthResponse{
		TransportOK:        true,
		CoordinatorRunning: state.Running,
		PeerID:             state.PeerID,
		Topic:              state.Topic,
	}
	if err := s.transport.Ready(ctx); err != nil {
		resp.TransportOK = false
		resp.TransportErr = err.Error()
	}

	status := http.StatusOK
	if !resp.TransportOK || !resp.CoordinatorRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *apiServer) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.State())
}

func (s *apiServer) claim(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.coord.ClaimContract(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) release(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.coord.ReleaseContract(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) whoHas(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.coord.WhoHas(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *apiServer) consider(w http.ResponseWriter, r *http.Request) {
	var req considerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	if req.CID != "" {
		if _, err := cid.Decode(req.CID); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid cid: " + err.Error()})
			return
		}
	}

	contract := coordinator.Contract{
		ID:    mux.Vars(r)["id"],
		CID:   req.CID,
		Owner: req.Owner,
		Size:  req.Size,
	}
	writeJSON(w, http.StatusOK, considerResponse{Scheduled: s.coord.ConsiderContract(contract)})
}

func (s *apiServer) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrEmptyContractID):
		status = http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotStarted):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// events streams coordinator events to a websocket client until either
// side goes away. Slow clients miss events rather than stall the
// coordinator.
func (s *apiServer) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	queue := make(chan coordinator.Event, 64)
	unsubscribe := s.coord.Subscribe(func(evt coordinator.Event) {
		select {
		case queue <- evt:
		default:
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case evt := <-queue:
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

func runHTTPServer(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
