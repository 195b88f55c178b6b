// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"clawgate/platform/credits"
	"clawgate/platform/directory"
	"clawgate/platform/gatewayrpc"
	"clawgate/platform/shared/logger"
)

// instanceView is the claim response shape. Host, port and secret never
// leave the broker; browsers reach the instance through the relay only.
type instanceView struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// channelPatch is the configPatch payload enabling or disabling a channel
// on the instance.
type channelPatch struct {
	Channels map[string]channelSetting `json:"channels"`
}

type channelSetting struct {
	Enabled bool   `json:"enabled"`
	Label   string `json:"label,omitempty"`
}

// rpcDialer opens an administrative RPC connection to an instance. Tests
// substitute this to avoid real sockets.
type rpcDialer func(ctx context.Context, addr, secret string) (configPatcher, error)

type configPatcher interface {
	ConfigPatch(ctx context.Context, patch interface{}) (json.RawMessage, error)
	Close() error
}

func dialInstance(ctx context.Context, addr, secret string) (configPatcher, error) {
	return gatewayrpc.Dial(ctx, addr, secret)
}

// AdminAPI serves the authenticated management endpoints: claiming an
// instance, wiring messaging channels, and reading the credit balance.
type AdminAPI struct {
	repo      directory.Repository
	allocator *directory.Allocator
	credits   *credits.Cache
	auth      *Authenticator
	log       *logger.Logger

	dial rpcDialer
}

func NewAdminAPI(repo directory.Repository, allocator *directory.Allocator, balances *credits.Cache, auth *Authenticator) *AdminAPI {
	return &AdminAPI{
		repo:      repo,
		allocator: allocator,
		credits:   balances,
		auth:      auth,
		log:       logger.New("admin"),
		dial:      dialInstance,
	}
}

// Register mounts the admin routes
func (api *AdminAPI) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/claim", api.handleClaim).Methods("POST")
	router.HandleFunc("/api/v1/channels", api.handleListChannels).Methods("GET")
	router.HandleFunc("/api/v1/channels", api.handleCreateChannel).Methods("POST")
	router.HandleFunc("/api/v1/channels/{id}", api.handleDeleteChannel).Methods("DELETE")
	router.HandleFunc("/api/v1/credits", api.handleCredits).Methods("GET")
}

// authenticate resolves the caller's user id, writing the error response on
// failure.
func (api *AdminAPI) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := api.auth.Verify(TokenFromRequest(r))
	if err != nil {
		sendError(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func (api *AdminAPI) handleClaim(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.authenticate(w, r)
	if !ok {
		return
	}

	inst, err := api.allocator.Claim(r.Context(), userID)
	if err != nil {
		if errors.Is(err, directory.ErrNoCapacity) {
			sendError(w, "no instances available", http.StatusServiceUnavailable)
			return
		}
		api.log.Error(userID, "", "claim failed", map[string]interface{}{"error": err.Error()})
		sendError(w, "claim failed", http.StatusInternalServerError)
		return
	}

	api.log.Info(userID, "", "instance claimed", map[string]interface{}{"instance_id": inst.ID})
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"instance": instanceView{
			ID:        inst.ID,
			Status:    string(inst.Status),
			ClaimedAt: inst.ClaimedAt,
		},
	})
}

func (api *AdminAPI) handleListChannels(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.authenticate(w, r)
	if !ok {
		return
	}

	channels, err := api.repo.ListChannelConnections(r.Context(), userID)
	if err != nil {
		api.log.Error(userID, "", "channel list failed", map[string]interface{}{"error": err.Error()})
		sendError(w, "channel list failed", http.StatusInternalServerError)
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"channels": channels,
	})
}

func (api *AdminAPI) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.authenticate(w, r)
	if !ok {
		return
	}

	var req struct {
		Channel string `json:"channel"`
		Label   string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" {
		sendError(w, "channel is required", http.StatusBadRequest)
		return
	}

	inst, err := api.repo.GetByUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, directory.ErrInstanceNotFound) {
			sendError(w, "no claimed instance", http.StatusConflict)
			return
		}
		sendError(w, "directory unavailable", http.StatusInternalServerError)
		return
	}

	patch := channelPatch{Channels: map[string]channelSetting{
		req.Channel: {Enabled: true, Label: req.Label},
	}}
	if err := api.patchInstance(r.Context(), inst, patch); err != nil {
		api.log.Error(userID, "", "channel enablement failed", map[string]interface{}{
			"instance_id": inst.ID,
			"channel":     req.Channel,
			"error":       err.Error(),
		})
		sendError(w, "instance unreachable", http.StatusBadGateway)
		return
	}

	conn := &directory.ChannelConnection{
		ID:         uuid.New().String(),
		UserID:     userID,
		InstanceID: inst.ID,
		Channel:    req.Channel,
		Label:      req.Label,
		CreatedAt:  time.Now().UTC(),
	}
	if err := api.repo.CreateChannelConnection(r.Context(), conn); err != nil {
		api.log.Error(userID, "", "channel record write failed", map[string]interface{}{"error": err.Error()})
		sendError(w, "channel record write failed", http.StatusInternalServerError)
		return
	}

	// First successful channel setup moves a claimed instance to active
	if inst.Status == directory.StatusClaimed {
		if err := api.repo.SetStatus(r.Context(), inst.ID, directory.StatusActive); err != nil {
			api.log.Warn(userID, "", "status transition failed", map[string]interface{}{
				"instance_id": inst.ID,
				"error":       err.Error(),
			})
		}
	}

	api.log.Info(userID, "", "channel enabled", map[string]interface{}{
		"instance_id": inst.ID,
		"channel":     req.Channel,
	})
	sendJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"channel": conn,
	})
}

func (api *AdminAPI) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.authenticate(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]

	channels, err := api.repo.ListChannelConnections(r.Context(), userID)
	if err != nil {
		sendError(w, "channel list failed", http.StatusInternalServerError)
		return
	}
	var target *directory.ChannelConnection
	for i := range channels {
		if channels[i].ID == id {
			target = &channels[i]
			break
		}
	}
	if target == nil {
		sendError(w, "channel not found", http.StatusNotFound)
		return
	}

	inst, err := api.repo.GetByUser(r.Context(), userID)
	if err == nil {
		patch := channelPatch{Channels: map[string]channelSetting{
			target.Channel: {Enabled: false},
		}}
		if err := api.patchInstance(r.Context(), inst, patch); err != nil {
			// The record still goes; the instance reconverges on next connect
			api.log.Warn(userID, "", "channel disable RPC failed", map[string]interface{}{
				"instance_id": inst.ID,
				"channel":     target.Channel,
				"error":       err.Error(),
			})
		}
	}

	if err := api.repo.DeleteChannelConnection(r.Context(), id, userID); err != nil {
		if errors.Is(err, directory.ErrChannelNotFound) {
			sendError(w, "channel not found", http.StatusNotFound)
			return
		}
		sendError(w, "channel delete failed", http.StatusInternalServerError)
		return
	}

	api.log.Info(userID, "", "channel removed", map[string]interface{}{"channel_id": id})
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (api *AdminAPI) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.authenticate(w, r)
	if !ok {
		return
	}

	balance, err := api.credits.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, credits.ErrBalanceNotFound) {
			sendError(w, "no balance", http.StatusNotFound)
			return
		}
		api.log.Error(userID, "", "balance read failed", map[string]interface{}{"error": err.Error()})
		sendError(w, "balance unavailable", http.StatusInternalServerError)
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"balance": balance,
	})
}

func (api *AdminAPI) patchInstance(ctx context.Context, inst *directory.Instance, patch channelPatch) error {
	client, err := api.dial(ctx, inst.Addr(), inst.Secret)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	_, err = client.ConfigPatch(ctx, patch)
	return err
}

func sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, message string, statusCode int) {
	sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
