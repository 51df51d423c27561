// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package api is the HTTP surface the core exposes to the REST layer:
// position reads, event queries, command lifecycle, geofence cache reloads,
// accumulator mutations, the websocket endpoint, and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/tracknet-io/tracknet/pkg/commands"
	"github.com/tracknet-io/tracknet/pkg/geofence"
	"github.com/tracknet-io/tracknet/pkg/livehub"
	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/storage"
	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Invalidator propagates a geofence change to other nodes after the local
// reload. The redis cache implements it.
type Invalidator interface {
	PublishGeofenceInvalidation(ctx context.Context) error
}

// Server is the REST endpoint set.
type Server struct {
	store       storage.Store
	engine      *commands.Engine
	geofences   *geofence.Cache
	hub         *livehub.Hub
	invalidator Invalidator

	httpServer *http.Server
}

// New assembles the router. invalidator may be nil on single-node setups.
func New(bind string, store storage.Store, engine *commands.Engine, geofences *geofence.Cache,
	hub *livehub.Hub, invalidator Invalidator) *Server {
	s := &Server{
		store:       store,
		engine:      engine,
		geofences:   geofences,
		hub:         hub,
		invalidator: invalidator,
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/positions/latest", s.latestPositions).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id:[0-9]+}/positions", s.positionHistory).Methods(http.MethodGet)
	api.HandleFunc("/events", s.queryEvents).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.submitCommand).Methods(http.MethodPost)
	api.HandleFunc("/commands/{id:[0-9]+}/cancel", s.cancelCommand).Methods(http.MethodPost)
	api.HandleFunc("/commands/{id:[0-9]+}/retry", s.retryCommand).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id:[0-9]+}/commands", s.listCommands).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id:[0-9]+}/submit", s.submitTemplate).Methods(http.MethodPost)
	api.HandleFunc("/geofences/reload", s.reloadGeofences).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id:[0-9]+}/accumulators", s.setAccumulators).Methods(http.MethodPut)

	r.Handle("/ws/{user_id:[0-9]+}", hub.Handler())
	r.Handle("/metrics", telemetry.Handler())

	s.httpServer = &http.Server{
		Addr:              bind,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown; it returns http.ErrServerClosed on a clean
// stop.
func (s *Server) Start() error {
	log.Infof("REST API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server and drops live subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Close()
	return err
}

func (s *Server) latestPositions(w http.ResponseWriter, r *http.Request) {
	var deviceIDs []int64
	if raw := r.URL.Query().Get("deviceIds"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				badRequest(w, "bad device id list")
				return
			}
			deviceIDs = append(deviceIDs, id)
		}
	}
	positions, err := s.store.Positions().LatestPerDevice(r.Context(), deviceIDs)
	if err != nil {
		serverError(w, "listing latest positions", err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) positionHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := pathID(r, "id")
	from, to, err := timeRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	positions, err := s.store.Positions().History(r.Context(), deviceID, from, to)
	if err != nil {
		serverError(w, "reading position history", err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) queryEvents(w http.ResponseWriter, r *http.Request) {
	q := storage.EventQuery{}
	query := r.URL.Query()
	if raw := query.Get("deviceId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(w, "bad deviceId")
			return
		}
		q.DeviceID = id
	}
	if raw := query.Get("types"); raw != "" {
		q.Types = strings.Split(raw, ",")
	}
	var err error
	q.From, q.To, err = timeRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(w, "bad limit")
			return
		}
		q.Limit = limit
	}
	events, err := s.store.Events().Query(r.Context(), q)
	if err != nil {
		serverError(w, "querying events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request) {
	var cmd model.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		badRequest(w, "unparseable command")
		return
	}
	if cmd.Type == "" || cmd.DeviceID == 0 {
		badRequest(w, "command requires type and deviceId")
		return
	}
	if err := s.engine.Submit(r.Context(), &cmd); err != nil {
		serverError(w, "submitting command", err)
		return
	}
	writeJSON(w, http.StatusAccepted, &cmd)
}

func (s *Server) cancelCommand(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Cancel(r.Context(), pathID(r, "id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "command not found", http.StatusNotFound)
	case errors.Is(err, commands.ErrTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		serverError(w, "cancelling command", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) retryCommand(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Retry(r.Context(), pathID(r, "id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "command not found", http.StatusNotFound)
	case err != nil && strings.Contains(err.Error(), "only failed"):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		serverError(w, "retrying command", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.store.Commands().ListByDevice(r.Context(), pathID(r, "id"))
	if err != nil {
		serverError(w, "listing commands", err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) submitTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID int64 `json:"deviceId"`
		UserID   int64 `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == 0 {
		badRequest(w, "request requires deviceId")
		return
	}
	cmd, err := s.engine.SubmitFromTemplate(r.Context(), pathID(r, "id"), req.DeviceID, req.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "template not found", http.StatusNotFound)
		return
	}
	if err != nil {
		serverError(w, "submitting template", err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

// reloadGeofences is the CRUD layer's invalidation trigger.
func (s *Server) reloadGeofences(w http.ResponseWriter, r *http.Request) {
	if err := s.geofences.Reload(r.Context()); err != nil {
		serverError(w, "reloading geofence cache", err)
		return
	}
	if s.invalidator != nil {
		if err := s.invalidator.PublishGeofenceInvalidation(r.Context()); err != nil {
			log.Warnf("Publishing geofence invalidation failed: %v", err) //nolint:errcheck
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"geofences": s.geofences.Size()})
}

// setAccumulators is the explicit admin reset path; it is the only writer of
// accumulators outside the pipeline.
func (s *Server) setAccumulators(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalDistance *float64 `json:"totalDistance"`
		Hours         *float64 `json:"hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "unparseable body")
		return
	}
	device, err := s.store.Devices().ByID(r.Context(), pathID(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	if err != nil {
		serverError(w, "loading device", err)
		return
	}
	if req.TotalDistance != nil {
		device.TotalDistance = *req.TotalDistance
	}
	if req.Hours != nil {
		device.Hours = *req.Hours
	}
	if err := s.store.Devices().UpdateAccumulators(r.Context(), device); err != nil {
		serverError(w, "updating accumulators", err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func pathID(r *http.Request, name string) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id
}

func timeRange(r *http.Request) (time.Time, time.Time, error) {
	query := r.URL.Query()
	var from, to time.Time
	var err error
	if raw := query.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			return from, to, errors.New("bad from timestamp")
		}
	}
	if raw := query.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			return from, to, errors.New("bad to timestamp")
		}
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debugf("Writing response failed: %v", err)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

// serverError surfaces 5xx only for unrecovered persistence or engine
// failures.
func serverError(w http.ResponseWriter, what string, err error) {
	log.Errorf("%s failed: %v", strings.ToUpper(what[:1])+what[1:], err) //nolint:errcheck
	http.Error(w, "internal error", http.StatusInternalServerError)
}
