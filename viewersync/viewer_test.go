package viewersync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testLibrary(fileName string, size int64) []*LibraryRoot {
	return []*LibraryRoot{
		{
			Children: []*LibraryFile{
				{
					Id:   "file-1",
					Name: fileName,
					File: fileName,
					Type: "image/png",
					Size: size,
				},
			},
		},
	}
}

func testViewer() *ViewerState {
	return &ViewerState{
		Id:       NewId(),
		Username: "u1",
		Data: Profile{
			Name: "User One",
		},
		Library: testLibrary("a.png", 100),
		Slates: []*SlateSummary{
			{Id: "slate-1", Name: "art", Public: true},
		},
		Subscriptions: []*Subscription{
			{Id: "sub-1", TargetUserId: "user-2"},
		},
		Subscribers: []*Subscription{},
		Keys: []*APIKey{
			{Id: "key-1", Key: "SECRETKEY"},
		},
		Status: map[string]any{
			"online": true,
		},
		Onboarding: map[string]bool{
			"welcome": true,
		},
	}
}

func requireFields(t *testing.T, name string, value any) PartialFieldSet {
	fields := PartialFieldSet{}
	if err := fields.Set(name, value); err != nil {
		t.Fatal(err)
	}
	return fields
}

func TestMergeReplacesField(t *testing.T) {
	viewer := testViewer()
	l1 := testLibrary("b.png", 200)

	next, err := Merge(viewer, requireFields(t, FieldLibrary, l1))
	assert.Equal(t, err, nil)

	assert.Equal(t, next.Library, l1)
	// all other fields unchanged
	assert.Equal(t, next.Id, viewer.Id)
	assert.Equal(t, next.Username, viewer.Username)
	assert.Equal(t, next.Slates, viewer.Slates)
	assert.Equal(t, next.Subscriptions, viewer.Subscriptions)
	assert.Equal(t, next.Keys, viewer.Keys)
	assert.Equal(t, next.Status, viewer.Status)

	// the input snapshot is untouched
	assert.Equal(t, viewer.Library, testLibrary("a.png", 100))
}

func TestMergeIdempotent(t *testing.T) {
	viewer := testViewer()
	fields := requireFields(t, FieldSlates, []*SlateSummary{
		{Id: "slate-2", Name: "photos"},
	})

	once, err := Merge(viewer, fields)
	assert.Equal(t, err, nil)
	twice, err := Merge(once, fields)
	assert.Equal(t, err, nil)

	assert.Equal(t, twice, once)
}

func TestMergeDisjointFieldsCommute(t *testing.T) {
	viewer := testViewer()
	f1 := requireFields(t, FieldLibrary, testLibrary("c.png", 300))
	f2 := requireFields(t, FieldStatus, map[string]any{
		"online": false,
	})

	a1, err := Merge(viewer, f1)
	assert.Equal(t, err, nil)
	a2, err := Merge(a1, f2)
	assert.Equal(t, err, nil)

	b1, err := Merge(viewer, f2)
	assert.Equal(t, err, nil)
	b2, err := Merge(b1, f1)
	assert.Equal(t, err, nil)

	assert.Equal(t, a2, b2)
}

func TestMergeIgnoresUnknownFields(t *testing.T) {
	viewer := testViewer()
	fields := PartialFieldSet{
		"bogus": json.RawMessage(`123`),
	}

	next, err := Merge(viewer, fields)
	assert.Equal(t, err, nil)
	assert.Equal(t, next, viewer)
}

func TestMergeProfile(t *testing.T) {
	viewer := testViewer()
	fields := requireFields(t, FieldProfile, &ProfilePartial{
		Username: "u1-renamed",
		Data: Profile{
			Name: "New Name",
			Body: "bio",
		},
		Onboarding: map[string]bool{
			"welcome": true,
			"upload":  true,
		},
	})

	next, err := Merge(viewer, fields)
	assert.Equal(t, err, nil)
	assert.Equal(t, next.Username, "u1-renamed")
	assert.Equal(t, next.Data.Name, "New Name")
	assert.Equal(t, next.Onboarding["upload"], true)
	assert.Equal(t, next.Library, viewer.Library)
}

func TestMergeBadFieldValue(t *testing.T) {
	viewer := testViewer()
	fields := PartialFieldSet{
		FieldLibrary: json.RawMessage(`"not a library"`),
	}

	_, err := Merge(viewer, fields)
	assert.NotEqual(t, err, nil)
}

func TestFieldSetRejectsUnknownNames(t *testing.T) {
	fields := PartialFieldSet{}
	err := fields.Set("not-a-field", 1)
	assert.NotEqual(t, err, nil)
}

func TestFieldNames(t *testing.T) {
	viewer := testViewer()
	fields := requireFields(t, FieldStatus, viewer.Status)
	if err := fields.Set(FieldKeys, viewer.Keys); err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, fields.FieldNames(), []string{FieldKeys, FieldStatus})
}

func TestComputeLibraryStats(t *testing.T) {
	library := []*LibraryRoot{
		{
			Children: []*LibraryFile{
				{Type: "image/png", Size: 10},
				{Type: "video/mp4", Size: 20},
				{Type: "audio/mp3", Size: 30},
				{Type: "application/epub+zip", Size: 40},
				{Type: "application/pdf", Size: 50},
				{Type: "text/plain", Size: 60},
				{
					Type: "image/jpeg",
					Size: 5,
					CoverImage: &CoverImage{
						Type: "image/png",
						Size: 2,
					},
				},
			},
		},
	}

	stats := ComputeLibraryStats(library)
	assert.Equal(t, stats.Bytes, int64(215))
	assert.Equal(t, stats.ImageBytes, int64(17))
	assert.Equal(t, stats.VideoBytes, int64(20))
	assert.Equal(t, stats.AudioBytes, int64(30))
	assert.Equal(t, stats.EpubBytes, int64(40))
	assert.Equal(t, stats.PdfBytes, int64(50))
}

func TestComputeLibraryStatsEmpty(t *testing.T) {
	assert.Equal(t, ComputeLibraryStats(nil), &LibraryStats{})
}
