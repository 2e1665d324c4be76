// Package api serves the daemon's local HTTP status and control endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chaz8081/soilsense/internal/ble"
	"github.com/chaz8081/soilsense/internal/care"
	"github.com/chaz8081/soilsense/internal/health"
	"github.com/chaz8081/soilsense/internal/plant"
)

// Sensor is the part of the BLE session the API drives.
type Sensor interface {
	Snapshot() ble.Snapshot
	StartScanAndConnect(ctx context.Context) (<-chan error, error)
	Disconnect()
}

// Plants is the plant store as seen by the API.
type Plants interface {
	Add(name, species string) (plant.Plant, error)
	Get(id string) (plant.Plant, error)
	List() []plant.Plant
	Target() (plant.Plant, bool)
	Remove(id string) error
}

// Options holds the optional parts of the server.
type Options struct {
	// Metrics is mounted on GET /metrics when set.
	Metrics http.Handler
	// PlantRemoved is called after a plant is deleted.
	PlantRemoved func(id string)
}

// Server is the HTTP API.
type Server struct {
	sensor Sensor
	plants Plants
	opts   Options
	router chi.Router

	// ctx bounds connect attempts started by requests; cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	server *http.Server
}

// New builds the router.
func New(sensor Sensor, plants Plants, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sensor: sensor,
		plants: plants,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Route("/sensor", func(r chi.Router) {
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
	})
	r.Route("/plants", func(r chi.Router) {
		r.Get("/", s.handleListPlants)
		r.Post("/", s.handleAddPlant)
		r.Get("/{id}", s.handleGetPlant)
		r.Delete("/{id}", s.handleRemovePlant)
	})
	r.Get("/care", s.handleCareIndex)
	r.Get("/care/{species}", s.handleCare)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	s.router = r
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	slog.Info("[API] listening", "addr", addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] server error", "error", err)
		}
	}()
}

// Stop shuts the listener down and waits for connect attempts started by
// requests to return.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

type statusResponse struct {
	Sensor   ble.Snapshot  `json:"sensor"`
	Moisture health.Status `json:"moisture"`
	Plant    *plant.Plant  `json:"plant"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.sensor.Snapshot()
	resp := statusResponse{
		Sensor:   snap,
		Moisture: health.Classify(snap.Reading),
	}
	if p, ok := s.plants.Target(); ok {
		resp.Plant = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleConnect starts a scan-and-connect in the background. It is the
// user-initiated retry; the session never reconnects on its own. The session
// itself rejects a second attempt, so concurrent requests get 409.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if snap := s.sensor.Snapshot(); snap.Connected() {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	done, err := s.sensor.StartScanAndConnect(s.ctx)
	switch {
	case errors.Is(err, ble.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := <-done; err != nil {
			slog.Warn("[API] connect request failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, s.sensor.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sensor.Disconnect()
	writeJSON(w, http.StatusOK, s.sensor.Snapshot())
}

func (s *Server) handleListPlants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plants.List())
}

type addPlantRequest struct {
	Name    string `json:"name"`
	Species string `json:"species"`
}

func (s *Server) handleAddPlant(w http.ResponseWriter, r *http.Request) {
	var req addPlantRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	p, err := s.plants.Add(req.Name, req.Species)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("[API] plant added", "id", p.ID, "name", p.Name, "species", p.Species)
	w.Header().Set("Location", "/plants/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPlant(w http.ResponseWriter, r *http.Request) {
	p, err := s.plants.Get(chi.URLParam(r, "id"))
	if err != nil {
		writePlantError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRemovePlant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.plants.Remove(id); err != nil {
		writePlantError(w, err)
		return
	}
	if s.opts.PlantRemoved != nil {
		s.opts.PlantRemoved(id)
	}
	slog.Info("[API] plant removed", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

type careIndexResponse struct {
	Species []string     `json:"species"`
	Default care.Profile `json:"default"`
}

type careResponse struct {
	Species         string       `json:"species"`
	Known           bool         `json:"known"`
	Profile         care.Profile `json:"profile"`
	DailyWaterCost  string       `json:"daily_water_cost"`
	SavingsPerSpray string       `json:"savings_per_spray"`
}

func (s *Server) handleCareIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, careIndexResponse{
		Species: care.Species(),
		Default: care.DefaultProfile,
	})
}

func (s *Server) handleCare(w http.ResponseWriter, r *http.Request) {
	species := strings.TrimSpace(chi.URLParam(r, "species"))
	writeJSON(w, http.StatusOK, careResponse{
		Species:         species,
		Known:           care.Known(species),
		Profile:         care.Resolve(species),
		DailyWaterCost:  care.FormatMoney(care.DailyWaterCost(1)),
		SavingsPerSpray: care.FormatMoney(care.SavingsPerSpray()),
	})
}

func writePlantError(w http.ResponseWriter, err error) {
	if errors.Is(err, plant.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[API] write response", "error", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("[API] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}
