// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package server is the HTTP facade over the engine. Handlers translate
// requests into registry, pipeline and scheduler calls and map error kinds
// to HTTP statuses; no business logic lives here.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/certkeeper/certkeeper/pkg/certificate"
	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/lifecycle"
	"github.com/certkeeper/certkeeper/pkg/registry"
	"github.com/certkeeper/certkeeper/pkg/scheduler"
	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
	"github.com/certkeeper/certkeeper/pkg/utils/metrics"
	"github.com/certkeeper/certkeeper/pkg/vault"
)

var log = ulog.Log.WithName("http")

// Server holds the handler dependencies.
type Server struct {
	registry  *registry.Registry
	pipeline  *lifecycle.Pipeline
	scheduler *scheduler.Scheduler
	vault     *vault.Vault
	metrics   *metrics.Set
}

// New builds the HTTP facade.
func New(reg *registry.Registry, pipeline *lifecycle.Pipeline, sched *scheduler.Scheduler, vlt *vault.Vault, set *metrics.Set) *Server {
	return &Server{registry: reg, pipeline: pipeline, scheduler: sched, vault: vlt, metrics: set}
}

// Router wires every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/certificates", s.listCertificates).Methods(http.MethodGet)
	r.HandleFunc("/certificates", s.createCertificate).Methods(http.MethodPost)
	r.HandleFunc("/certificates/{fp}", s.getCertificate).Methods(http.MethodGet)
	r.HandleFunc("/certificates/{fp}", s.deleteCertificate).Methods(http.MethodDelete)
	r.HandleFunc("/certificates/{fp}/renew", s.renewCertificate).Methods(http.MethodPost)

	r.HandleFunc("/certificates/{fp}/domains", s.addDomain).Methods(http.MethodPost)
	r.HandleFunc("/certificates/{fp}/domains/{domain}", s.removeDomain).Methods(http.MethodDelete)
	r.HandleFunc("/certificates/{fp}/ips", s.addIP).Methods(http.MethodPost)
	r.HandleFunc("/certificates/{fp}/ips/{ip}", s.removeIP).Methods(http.MethodDelete)
	r.HandleFunc("/certificates/{fp}/apply-idle", s.applyIdle).Methods(http.MethodPost)

	r.HandleFunc("/certificates/{fp}/snapshots", s.listSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/certificates/{fp}/snapshots", s.createSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/certificates/{fp}/snapshots/{id}", s.deleteSnapshot).Methods(http.MethodDelete)
	r.HandleFunc("/certificates/{fp}/snapshots/{id}/restore", s.restoreSnapshot).Methods(http.MethodPost)

	r.HandleFunc("/security/rotate-encryption-key", s.rotateEncryptionKey).Methods(http.MethodPost)

	r.HandleFunc("/renewal/status", s.renewalStatus).Methods(http.MethodGet)
	r.HandleFunc("/renewal/check", s.renewalCheck).Methods(http.MethodPost)
	r.HandleFunc("/renewal/schedule", s.renewalSchedule).Methods(http.MethodPost)

	r.HandleFunc("/public/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/public/ping", s.ping).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// errorBody is the error envelope every failed request carries.
type errorBody struct {
	Kind    errdefs.Kind `json:"kind"`
	Message string       `json:"message"`
	Detail  string       `json:"detail,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

func statusFor(kind errdefs.Kind) int {
	switch kind {
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindBadInput:
		return http.StatusBadRequest
	case errdefs.KindConflict:
		return http.StatusConflict
	case errdefs.KindWrongPassphrase:
		return http.StatusUnprocessableEntity
	case errdefs.KindDeployError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errdefs.KindOf(err)
	writeJSON(w, statusFor(kind), errorEnvelope{
		Error: errorBody{Kind: kind, Message: err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error(err, "unable to encode response")
	}
}

func decodeBody(r *http.Request, into any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errdefs.BadInputf("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) listCertificates(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.LoadAll(r.Context(), false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.GetAllViews(time.Now()))
}

func (s *Server) getCertificate(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fp"]
	if err := s.registry.LoadAll(r.Context(), false); err != nil {
		writeError(w, err)
		return
	}
	view, ok := s.registry.GetView(fp, time.Now())
	if !ok {
		writeError(w, errdefs.NotFoundf("certificate %q not found", fp))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) createCertificate(w http.ResponseWriter, r *http.Request) {
	var opts lifecycle.Options
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, err)
		return
	}
	if opts.Name == "" {
		writeError(w, errdefs.BadInputf("a certificate name is required"))
		return
	}
	result, err := s.pipeline.CreateOrRenew(r.Context(), opts.Name, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) renewCertificate(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fp"]
	if _, found := s.registry.Lookup(fp); !found {
		writeError(w, errdefs.NotFoundf("certificate %q not found", fp))
		return
	}
	var opts lifecycle.Options
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.pipeline.CreateOrRenew(r.Context(), fp, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) deleteCertificate(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fp"]
	opts := lifecycle.DeleteOptions{
		DeleteFiles:     r.URL.Query().Get("deleteFiles") == "true",
		DeleteSnapshots: r.URL.Query().Get("deleteSnapshots") == "true",
	}
	if err := s.pipeline.Delete(r.Context(), fp, opts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type subjectRequest struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
	// nil means idle: new subjects are staged for the next renewal unless
	// the caller explicitly asks for a direct active-list mutation.
	Idle *bool `json:"idle"`
}

func (s *Server) addDomain(w http.ResponseWriter, r *http.Request) {
	s.mutateSubjects(w, r, func(req subjectRequest) (string, bool) { return req.Domain, true })
}

func (s *Server) addIP(w http.ResponseWriter, r *http.Request) {
	s.mutateSubjects(w, r, func(req subjectRequest) (string, bool) { return req.IP, false })
}

func (s *Server) mutateSubjects(w http.ResponseWriter, r *http.Request, pick func(subjectRequest) (string, bool)) {
	fp := mux.Vars(r)["fp"]
	var req subjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	value, isDomain := pick(req)
	if value == "" {
		writeError(w, errdefs.BadInputf("a value is required"))
		return
	}

	cert, found := s.registry.Lookup(fp)
	if !found {
		writeError(w, errdefs.NotFoundf("certificate %q not found", fp))
		return
	}
	idle := req.Idle == nil || *req.Idle
	var result certificate.AddResult
	if isDomain {
		result = cert.AddDomain(value, idle)
	} else {
		result = cert.AddIP(value, idle)
	}
	if !result.Added {
		if strings.HasPrefix(result.Reason, "invalid") || strings.HasPrefix(result.Reason, "empty") {
			writeError(w, errdefs.BadInputf("%s", result.Reason))
			return
		}
		// duplicates are not errors, just a no-op
		writeJSON(w, http.StatusOK, result)
		return
	}
	s.registry.Upsert(cert)
	if err := s.registry.Save(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) removeDomain(w http.ResponseWriter, r *http.Request) {
	s.removeSubject(w, r, mux.Vars(r)["domain"], true)
}

func (s *Server) removeIP(w http.ResponseWriter, r *http.Request) {
	s.removeSubject(w, r, mux.Vars(r)["ip"], false)
}

func (s *Server) removeSubject(w http.ResponseWriter, r *http.Request, value string, isDomain bool) {
	fp := mux.Vars(r)["fp"]
	idle := r.URL.Query().Get("idle") == "true"

	cert, found := s.registry.Lookup(fp)
	if !found {
		writeError(w, errdefs.NotFoundf("certificate %q not found", fp))
		return
	}
	var removed bool
	if isDomain {
		removed = cert.RemoveDomain(value, idle)
	} else {
		removed = cert.RemoveIP(value, idle)
	}
	if !removed {
		writeError(w, errdefs.NotFoundf("%q is not staged or active on %s", value, cert.Name))
		return
	}
	s.registry.Upsert(cert)
	if err := s.registry.Save(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) applyIdle(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fp"]
	var opts lifecycle.Options
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.pipeline.ApplyIdleAndRenew(r.Context(), fp, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fp"]
	cert, found := s.registry.Lookup(fp)
	if !found {
		writeError(w, errdefs.NotFoundf("certificate %q not found", fp))
		return
	}
	entries := s.pipeline.Snapshots().List(cert, r.URL.Query().Get("type"))
	writeJSON(w, http.StatusOK, entries)
}

type snapshotRequest struct {
	Description string `json:"description"`
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fp"]
	var req snapshotRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.pipeline.Backup(r.Context(), fp, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func snapshotID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, errdefs.BadInputf("invalid snapshot id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

func (s *Server) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := snapshotID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.pipeline.DeleteSnapshot(r.Context(), mux.Vars(r)["fp"], id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := snapshotID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.pipeline.RestoreFromSnapshot(r.Context(), mux.Vars(r)["fp"], id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) rotateEncryptionKey(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.RotateKey(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) renewalStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) renewalCheck(w http.ResponseWriter, r *http.Request) {
	result := s.scheduler.TriggerSweep(r.Context())
	writeJSON(w, http.StatusOK, result)
}

type scheduleRequest struct {
	Schedule string `json:"schedule"`
	Enabled  *bool  `json:"enabled"`
}

func (s *Server) renewalSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Schedule != "" {
		if err := s.scheduler.SetSchedule(req.Schedule); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Enabled != nil {
		if *req.Enabled {
			if err := s.scheduler.Enable(); err != nil {
				writeError(w, err)
				return
			}
		} else {
			s.scheduler.Disable()
		}
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"certificates": len(s.registry.GetAll()),
	})
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}
