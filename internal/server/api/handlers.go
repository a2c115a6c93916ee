// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatehousehq/gatehouse/internal/server/auth"
	"github.com/gatehousehq/gatehouse/internal/server/metrics"
	"github.com/gatehousehq/gatehouse/internal/server/store"
	"github.com/gatehousehq/gatehouse/internal/version"
	"github.com/gatehousehq/gatehouse/internal/workspace"
)

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondStoreError maps store sentinel errors to HTTP responses. Anything
// unrecognized becomes a generic 500 so internal detail never leaks.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "Workspace not found",
		})
	case errors.Is(err, store.ErrConflict):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error": "Workspace status does not permit this operation",
		})
	case errors.Is(err, store.ErrQuotaExceeded):
		respondJSON(w, http.StatusForbidden, map[string]string{
			"error": "Workspace quota exceeded",
		})
	case errors.Is(err, store.ErrInvalidCredential):
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "Invalid or expired connection code",
		})
	default:
		log.Printf("internal error: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "Internal server error",
		})
	}
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Status handler
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "operational",
		"version": version.Short(),
	})
}

// API Key handlers

type CreateAPIKeyRequest struct {
	Name  string `json:"name"`
	Scope string `json:"scope,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID        string `json:"id"`
	Key       string `json:"key"` // returned exactly once
	Prefix    string `json:"prefix"`
	Scope     string `json:"scope"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}
	if req.Name == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}
	if req.Scope == "" {
		req.Scope = "write"
	}

	key, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		respondStoreError(w, err)
		return
	}

	record, err := s.authStore.CreateAPIKey(r.Context(), getAccountID(r), req.Name, req.Scope, hash, prefix)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, CreateAPIKeyResponse{
		ID:        record.ID,
		Key:       key,
		Prefix:    record.Prefix,
		Scope:     record.Scope,
		Name:      record.Name,
		CreatedAt: record.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.authStore.ListAPIKeys(r.Context(), getAccountID(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	type keyInfo struct {
		ID        string     `json:"id"`
		Prefix    string     `json:"prefix"`
		Scope     string     `json:"scope"`
		Name      string     `json:"name"`
		CreatedAt time.Time  `json:"created_at"`
		LastUsed  *time.Time `json:"last_used,omitempty"`
	}
	out := make([]keyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyInfo{
			ID:        k.ID,
			Prefix:    k.Prefix,
			Scope:     k.Scope,
			Name:      k.Name,
			CreatedAt: k.CreatedAt,
			LastUsed:  k.LastUsed,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"keys": out})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if err := s.authStore.RevokeAPIKey(r.Context(), getAccountID(r), keyID); err != nil {
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "API key not found",
		})
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// Workspace handlers

type CreateWorkspaceRequest struct {
	Name             string         `json:"name"`
	DeploymentType   string         `json:"deployment_type,omitempty"`
	SubscriptionTier string         `json:"subscription_tier,omitempty"`
	Config           map[string]any `json:"config,omitempty"`
}

type CreateWorkspaceResponse struct {
	Workspace      *workspace.Workspace `json:"workspace"`
	ConnectionCode string               `json:"connection_code"`
	CodeExpiresAt  time.Time            `json:"code_expires_at"`
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	if req.Name == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}
	if req.DeploymentType == "" {
		req.DeploymentType = workspace.DeploymentCloud
	}
	switch req.DeploymentType {
	case workspace.DeploymentCloud, workspace.DeploymentBareMetal, workspace.DeploymentOther:
	default:
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown deployment_type",
		})
		return
	}

	ws := workspace.NewWorkspace(req.Name, getAccountID(r), req.DeploymentType)
	if req.SubscriptionTier != "" {
		ws.SubscriptionTier = req.SubscriptionTier
	}
	if req.Config != nil {
		ws.Config = req.Config
	}

	cred, err := s.store.CreateWorkspace(r.Context(), ws)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, CreateWorkspaceResponse{
		Workspace:      ws,
		ConnectionCode: cred.Code,
		CodeExpiresAt:  cred.ExpiresAt,
	})
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.store.ListWorkspaces(r.Context(), getAccountID(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if workspaces == nil {
		workspaces = []*workspace.Workspace{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"workspaces": workspaces})
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspaceForOwner(r.Context(), chi.URLParam(r, "workspaceID"), getAccountID(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

type UpdateWorkspaceRequest struct {
	Name             *string `json:"name,omitempty"`
	SubscriptionTier *string `json:"subscription_tier,omitempty"`

	// Administrative status changes: suspended, migrating, or back to
	// active. The orchestrator never produces these statuses.
	Status *string `json:"status,omitempty"`

	// Bare-metal completion: reporting an instance URL moves a
	// pending_registration workspace to active.
	InstanceURL *string `json:"instance_url,omitempty"`
	PrivateURL  *string `json:"private_url,omitempty"`
	IPAddress   *string `json:"ip_address,omitempty"`
}

// adminTransitions holds the status changes the update endpoint may apply
// and the statuses each may leave from.
var adminTransitions = map[string][]string{
	workspace.StatusSuspended: {workspace.StatusActive, workspace.StatusMigrating},
	workspace.StatusMigrating: {workspace.StatusActive, workspace.StatusSuspended},
	workspace.StatusActive:    {workspace.StatusSuspended, workspace.StatusMigrating},
}

func (s *Server) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req UpdateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	// Ownership check up front so a foreign workspace reads as absent.
	if _, err := s.store.GetWorkspaceForOwner(r.Context(), workspaceID, getAccountID(r)); err != nil {
		respondStoreError(w, err)
		return
	}

	if req.Status != nil {
		from, ok := adminTransitions[*req.Status]
		if !ok {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "status must be suspended, migrating, or active",
			})
			return
		}
		if err := s.store.TransitionStatus(r.Context(), workspaceID, from, *req.Status); err != nil {
			respondStoreError(w, err)
			return
		}
	}

	if req.InstanceURL != nil {
		privateURL, ipAddress := "", ""
		if req.PrivateURL != nil {
			privateURL = *req.PrivateURL
		}
		if req.IPAddress != nil {
			ipAddress = *req.IPAddress
		}
		if err := s.store.CompleteRegistration(r.Context(), workspaceID, *req.InstanceURL, privateURL, ipAddress); err != nil {
			respondStoreError(w, err)
			return
		}
	}

	if req.Name != nil || req.SubscriptionTier != nil {
		if err := s.store.UpdateWorkspaceDetails(r.Context(), workspaceID, req.Name, req.SubscriptionTier); err != nil {
			respondStoreError(w, err)
			return
		}
	}

	ws, err := s.store.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

func (s *Server) handleProvisionWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspaceForOwner(r.Context(), chi.URLParam(r, "workspaceID"), getAccountID(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if ws.Status != workspace.StatusProvisioning && ws.Status != workspace.StatusFailed {
		respondJSON(w, http.StatusConflict, map[string]string{
			"error": "Workspace status does not permit provisioning",
		})
		return
	}

	// The container pipeline can run for minutes; it proceeds in the
	// background and progress lands in the workspace audit log.
	go func(ws *workspace.Workspace) {
		start := time.Now()
		_, err := s.orchestrator.Provision(context.Background(), ws)
		outcome := "success"
		if err != nil {
			outcome = "failure"
			log.Printf("provision workspace %s: %v", ws.ID, err)
		}
		metrics.ObserveProvision(ws.DeploymentType, outcome, time.Since(start))
	}(ws)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"workspace_id": ws.ID,
		"status":       workspace.StatusProvisioning,
		"message":      "Provisioning started",
	})
}

func (s *Server) handleDecommissionWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspaceForOwner(r.Context(), chi.URLParam(r, "workspaceID"), getAccountID(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if ws.Status == workspace.StatusDecommissioned {
		respondJSON(w, http.StatusOK, map[string]string{
			"workspace_id": ws.ID,
			"status":       workspace.StatusDecommissioned,
		})
		return
	}

	go func(ws *workspace.Workspace) {
		outcome := "success"
		if err := s.orchestrator.Decommission(context.Background(), ws); err != nil {
			outcome = "failure"
			log.Printf("decommission workspace %s: %v", ws.ID, err)
		}
		metrics.DecommissionTotal.WithLabelValues(outcome).Inc()
	}(ws)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"workspace_id": ws.ID,
		"status":       workspace.StatusDecommissioned,
		"message":      "Decommissioning started",
	})
}

// Credential handlers

type CreateCredentialRequest struct {
	MaxUses  int `json:"max_uses"`  // 0 = unlimited
	TTLHours int `json:"ttl_hours"` // 0 = default 24h
}

type CreateCredentialResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses"`
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspaceForOwner(r.Context(), chi.URLParam(r, "workspaceID"), getAccountID(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req CreateCredentialRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "Invalid request body: " + err.Error(),
			})
			return
		}
	}
	if req.MaxUses < 0 || req.TTLHours < 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "max_uses and ttl_hours must not be negative",
		})
		return
	}
	if req.MaxUses == 0 && req.TTLHours == 0 {
		// A bare request means a single-use code with the default expiry.
		req.MaxUses = 1
	}

	cred := workspace.NewCredential(ws.ID, req.MaxUses, time.Duration(req.TTLHours)*time.Hour)
	if err := s.store.CreateCredential(r.Context(), cred); err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, CreateCredentialResponse{
		Code:      cred.Code,
		ExpiresAt: cred.ExpiresAt,
		MaxUses:   cred.MaxUses,
	})
}

type ConnectRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}
	if req.Code == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "code is required",
		})
		return
	}

	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}

	details, err := s.store.ValidateAndConsume(r.Context(), req.Code, sourceIP)
	if err != nil {
		metrics.CredentialRedemptions.WithLabelValues("failure").Inc()
		respondStoreError(w, err)
		return
	}

	metrics.CredentialRedemptions.WithLabelValues("success").Inc()
	respondJSON(w, http.StatusOK, details)
}

// Audit log handler

func (s *Server) handleWorkspaceLogs(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspaceForOwner(r.Context(), chi.URLParam(r, "workspaceID"), getAccountID(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.store.ListAudit(r.Context(), ws.ID, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []*workspace.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}
