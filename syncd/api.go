package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang/glog"

	"github.com/gorilla/mux"

	"github.com/juju/pubsub/v2"

	"github.com/slatehq/viewersync/viewersync"
)

const maxMutationBodyBytes = 8 * 1024 * 1024

// the mutation api. Each mutation commits to the store of record first, then
// fires a mutation event on the bus. The delta producer picks the event up and
// broadcasts the matching partial update; a failed broadcast never rolls back
// or retries the mutation.
type stateApi struct {
	store *ViewerStore
	hub   *pubsub.SimpleHub

	// empty disables the session gate
	sessionSecret string
}

func (self *stateApi) attachRoutes(r *mux.Router) {
	r.Methods(http.MethodPost).Path("/viewers").HandlerFunc(self.createViewer)
	r.Methods(http.MethodGet).Path("/viewers/{id}").HandlerFunc(self.getViewer)
	r.Methods(http.MethodPost).Path("/viewers/{id}/{field}").HandlerFunc(self.updateField)
}

func (self *stateApi) authorized(w http.ResponseWriter, r *http.Request) bool {
	if self.sessionSecret == "" {
		return true
	}
	authorization := r.Header.Get("Authorization")
	if !strings.HasPrefix(authorization, "Bearer ") {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return false
	}
	token := strings.TrimPrefix(authorization, "Bearer ")
	if _, err := viewersync.ParseSessionToken(self.sessionSecret, token); err != nil {
		http.Error(w, "bad session token", http.StatusUnauthorized)
		return false
	}
	return true
}

func (self *stateApi) createViewer(w http.ResponseWriter, r *http.Request) {
	if !self.authorized(w, r) {
		return
	}

	viewer := &viewersync.ViewerState{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMutationBodyBytes)).Decode(viewer); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if (viewer.Id == viewersync.Id{}) {
		viewer.Id = viewersync.NewId()
	}

	if err := self.store.CreateViewer(r.Context(), viewer); err != nil {
		glog.Infof("[api]create error = %s\n", err)
		http.Error(w, "create failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"id": viewer.Id.String(),
	})
}

// the full rehydrate collaborator. Idempotent and safe to call repeatedly.
func (self *stateApi) getViewer(w http.ResponseWriter, r *http.Request) {
	if !self.authorized(w, r) {
		return
	}

	viewerId, err := viewersync.ParseId(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "bad viewer id", http.StatusBadRequest)
		return
	}

	viewer, err := self.store.GetFullViewerState(r.Context(), viewerId)
	if err != nil {
		glog.Infof("[api]get error %s = %s\n", viewerId, err)
		http.Error(w, "get failed", http.StatusInternalServerError)
		return
	}
	if viewer == nil {
		http.Error(w, "no viewer", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(viewer)
}

func (self *stateApi) updateField(w http.ResponseWriter, r *http.Request) {
	if !self.authorized(w, r) {
		return
	}

	vars := mux.Vars(r)
	viewerId, err := viewersync.ParseId(vars["id"])
	if err != nil {
		http.Error(w, "bad viewer id", http.StatusBadRequest)
		return
	}
	field := vars["field"]

	value, err := io.ReadAll(io.LimitReader(r.Body, maxMutationBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !json.Valid(value) {
		http.Error(w, "bad field value", http.StatusBadRequest)
		return
	}

	fields := viewersync.PartialFieldSet{}
	if err := fields.Set(field, json.RawMessage(value)); err != nil {
		http.Error(w, fmt.Sprintf("bad field: %s", field), http.StatusBadRequest)
		return
	}

	if err := self.store.UpdateField(r.Context(), viewerId, field, value); err != nil {
		glog.Infof("[api]update error %s %s = %s\n", viewerId, field, err)
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}

	// committed. Broadcast is best effort from here on.
	self.hub.Publish(viewersync.MutationTopic, &viewersync.MutationEvent{
		ViewerId: viewerId,
		Fields:   fields,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{
		"updated": true,
	})
}
