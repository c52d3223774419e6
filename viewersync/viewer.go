package viewersync

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// the message type for partial update envelopes. No other message types cross the channel.
const MessageTypeUpdate = "UPDATE"

// field names that can appear in a `PartialFieldSet`
const (
	FieldLibrary       = "library"
	FieldSlates        = "slates"
	FieldSubscriptions = "subscriptions"
	FieldSubscribers   = "subscribers"
	FieldKeys          = "keys"
	FieldStatus        = "status"
	FieldProfile       = "profile"
)

// the authoritative per-viewer snapshot.
// owned by the client session that renders it. The server only holds the database of record.
type ViewerState struct {
	Id       Id              `json:"id"`
	Username string          `json:"username"`
	Data     Profile         `json:"data"`
	Library  []*LibraryRoot  `json:"library"`
	Slates   []*SlateSummary `json:"slates"`
	// serialized user/slate references
	Subscriptions []*Subscription `json:"subscriptions"`
	Subscribers   []*Subscription `json:"subscribers"`
	Keys          []*APIKey       `json:"keys"`
	// free-form presence/activity record
	Status     map[string]any  `json:"status"`
	Onboarding map[string]bool `json:"onboarding"`
	// populated by the full rehydrate assembly only, never by partial updates
	Stats *LibraryStats `json:"stats,omitempty"`
}

type Profile struct {
	Name  string `json:"name"`
	Photo string `json:"photo"`
	Body  string `json:"body"`
}

// the root of a viewer's library tree
type LibraryRoot struct {
	Children []*LibraryFile `json:"children"`
}

type LibraryFile struct {
	Id         string      `json:"id"`
	Name       string      `json:"name"`
	File       string      `json:"file"`
	Type       string      `json:"type"`
	Size       int64       `json:"size"`
	Cid        string      `json:"cid,omitempty"`
	CoverImage *CoverImage `json:"coverImage,omitempty"`
}

type CoverImage struct {
	Url  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type SlateSummary struct {
	Id     string `json:"id"`
	Name   string `json:"slatename"`
	Body   string `json:"body,omitempty"`
	Public bool   `json:"public"`
}

type Subscription struct {
	Id            string `json:"id"`
	TargetUserId  string `json:"target_user_id,omitempty"`
	TargetSlateId string `json:"target_slate_id,omitempty"`
}

type APIKey struct {
	Id  string `json:"id"`
	Key string `json:"key"`
}

// profile partials replace the identity-adjacent fields together,
// the way the server hydrates a partial viewer after profile edits
type ProfilePartial struct {
	Username   string          `json:"username"`
	Data       Profile         `json:"data"`
	Onboarding map[string]bool `json:"onboarding"`
}

// byte totals over the library root children, by media kind
type LibraryStats struct {
	Bytes      int64 `json:"bytes"`
	ImageBytes int64 `json:"imageBytes"`
	VideoBytes int64 `json:"videoBytes"`
	AudioBytes int64 `json:"audioBytes"`
	EpubBytes  int64 `json:"epubBytes"`
	PdfBytes   int64 `json:"pdfBytes"`
}

func ComputeLibraryStats(library []*LibraryRoot) *LibraryStats {
	stats := &LibraryStats{}
	if len(library) == 0 {
		return stats
	}
	for _, file := range library[0].Children {
		switch {
		case strings.HasPrefix(file.Type, "image/"):
			stats.ImageBytes += file.Size
		case strings.HasPrefix(file.Type, "video/"):
			stats.VideoBytes += file.Size
		case strings.HasPrefix(file.Type, "audio/"):
			stats.AudioBytes += file.Size
		case strings.HasPrefix(file.Type, "application/epub"):
			stats.EpubBytes += file.Size
		case strings.HasPrefix(file.Type, "application/pdf"):
			stats.PdfBytes += file.Size
		}
		if file.CoverImage != nil {
			stats.ImageBytes += file.CoverImage.Size
		}
		stats.Bytes += file.Size
	}
	return stats
}

// a sparse map from field name to the new full value for that field.
// each present key fully replaces the corresponding viewer state field.
// absent keys leave the field untouched.
type PartialFieldSet map[string]json.RawMessage

func (self PartialFieldSet) Set(name string, value any) error {
	switch name {
	case FieldLibrary, FieldSlates, FieldSubscriptions, FieldSubscribers,
		FieldKeys, FieldStatus, FieldProfile:
	default:
		return fmt.Errorf("unknown field: %s", name)
	}
	valueJson, err := json.Marshal(value)
	if err != nil {
		return err
	}
	self[name] = valueJson
	return nil
}

func (self PartialFieldSet) FieldNames() []string {
	names := maps.Keys(self)
	slices.Sort(names)
	return names
}

// the plaintext record carried inside an envelope
type PartialUpdate struct {
	Type   string          `json:"type"`
	Id     Id              `json:"id"`
	Fields PartialFieldSet `json:"fields"`
}

// applies `fields` onto a shallow copy of `current` and returns the new snapshot.
// whole-field replacement, never a field-level diff. Re-applying the same field set
// is a no-op, and field sets with disjoint keys may be applied in either order.
// fields with unknown names are skipped.
func Merge(current *ViewerState, fields PartialFieldSet) (*ViewerState, error) {
	next := *current
	for name, value := range fields {
		switch name {
		case FieldLibrary:
			var library []*LibraryRoot
			if err := json.Unmarshal(value, &library); err != nil {
				return nil, fieldDecodeError(name, err)
			}
			next.Library = library
		case FieldSlates:
			var slates []*SlateSummary
			if err := json.Unmarshal(value, &slates); err != nil {
				return nil, fieldDecodeError(name, err)
			}
			next.Slates = slates
		case FieldSubscriptions:
			var subscriptions []*Subscription
			if err := json.Unmarshal(value, &subscriptions); err != nil {
				return nil, fieldDecodeError(name, err)
			}
			next.Subscriptions = subscriptions
		case FieldSubscribers:
			var subscribers []*Subscription
			if err := json.Unmarshal(value, &subscribers); err != nil {
				return nil, fieldDecodeError(name, err)
			}
			next.Subscribers = subscribers
		case FieldKeys:
			var keys []*APIKey
			if err := json.Unmarshal(value, &keys); err != nil {
				return nil, fieldDecodeError(name, err)
			}
			next.Keys = keys
		case FieldStatus:
			var status map[string]any
			if err := json.Unmarshal(value, &status); err != nil {
				return nil, fieldDecodeError(name, err)
			}
			next.Status = status
		case FieldProfile:
			var profile ProfilePartial
			if err := json.Unmarshal(value, &profile); err != nil {
				return nil, fieldDecodeError(name, err)
			}
			next.Username = profile.Username
			next.Data = profile.Data
			next.Onboarding = profile.Onboarding
		}
	}
	return &next, nil
}

func fieldDecodeError(name string, err error) error {
	return &DecodeError{
		Reason: fmt.Sprintf("bad %s field value", name),
		Cause:  err,
	}
}
