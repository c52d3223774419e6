package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/slatehq/viewersync/viewersync"
)

func testStore(t *testing.T) *ViewerStore {
	t.Helper()

	store, err := OpenViewerStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testStoreViewer() *viewersync.ViewerState {
	return &viewersync.ViewerState{
		Id:       viewersync.NewId(),
		Username: "u1",
		Data: viewersync.Profile{
			Name: "User One",
		},
		Library: []*viewersync.LibraryRoot{
			{
				Children: []*viewersync.LibraryFile{
					{Id: "file-1", Name: "a.png", Type: "image/png", Size: 100},
				},
			},
		},
		Slates:        []*viewersync.SlateSummary{},
		Subscriptions: []*viewersync.Subscription{},
		Subscribers:   []*viewersync.Subscription{},
		Keys:          []*viewersync.APIKey{},
		Status:        map[string]any{},
		Onboarding:    map[string]bool{},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	viewer := testStoreViewer()
	err := store.CreateViewer(ctx, viewer)
	assert.Equal(t, err, nil)

	found, err := store.GetFullViewerState(ctx, viewer.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, found.Id, viewer.Id)
	assert.Equal(t, found.Username, viewer.Username)
	assert.Equal(t, found.Data, viewer.Data)
	assert.Equal(t, found.Library, viewer.Library)

	// the assembly computes the library stats
	assert.Equal(t, found.Stats.Bytes, int64(100))
	assert.Equal(t, found.Stats.ImageBytes, int64(100))
}

func TestStoreMissingViewer(t *testing.T) {
	store := testStore(t)

	found, err := store.GetFullViewerState(context.Background(), viewersync.NewId())
	assert.Equal(t, err, nil)
	if found != nil {
		t.Fatal("expected nil for a missing viewer")
	}
}

func TestStoreUpdateField(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	viewer := testStoreViewer()
	err := store.CreateViewer(ctx, viewer)
	assert.Equal(t, err, nil)

	keys := []*viewersync.APIKey{{Id: "key-1", Key: "ROTATED"}}
	keysJson, err := json.Marshal(keys)
	assert.Equal(t, err, nil)

	err = store.UpdateField(ctx, viewer.Id, viewersync.FieldKeys, keysJson)
	assert.Equal(t, err, nil)

	found, err := store.GetFullViewerState(ctx, viewer.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, found.Keys, keys)
	// other fields untouched
	assert.Equal(t, found.Library, viewer.Library)

	// unknown fields are rejected
	err = store.UpdateField(ctx, viewer.Id, "bogus", keysJson)
	assert.NotEqual(t, err, nil)

	// updates to a missing viewer are rejected
	err = store.UpdateField(ctx, viewersync.NewId(), viewersync.FieldKeys, keysJson)
	assert.NotEqual(t, err, nil)
}

func TestStoreUpdateProfile(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	viewer := testStoreViewer()
	err := store.CreateViewer(ctx, viewer)
	assert.Equal(t, err, nil)

	profile := &viewersync.ProfilePartial{
		Username: "u1-renamed",
		Data: viewersync.Profile{
			Name: "New Name",
			Body: "bio",
		},
		Onboarding: map[string]bool{"welcome": true},
	}
	profileJson, err := json.Marshal(profile)
	assert.Equal(t, err, nil)

	err = store.UpdateField(ctx, viewer.Id, viewersync.FieldProfile, profileJson)
	assert.Equal(t, err, nil)

	found, err := store.GetFullViewerState(ctx, viewer.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, found.Username, "u1-renamed")
	assert.Equal(t, found.Data.Name, "New Name")
	assert.Equal(t, found.Onboarding["welcome"], true)
}
