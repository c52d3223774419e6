package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/slatehq/viewersync/viewersync"
)

// the database of record for viewer state. The clients never see it directly;
// they see either the full rehydrate assembly or partial updates over the
// channel.
type ViewerStore struct {
	db *sql.DB
}

func OpenViewerStore(path string) (*ViewerStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS viewers (
			id TEXT NOT NULL PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '{}',
			onboarding TEXT NOT NULL DEFAULT '{}',
			library TEXT NOT NULL DEFAULT '[]',
			slates TEXT NOT NULL DEFAULT '[]',
			subscriptions TEXT NOT NULL DEFAULT '[]',
			subscribers TEXT NOT NULL DEFAULT '[]',
			keys TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT '{}'
		)`,
	); err != nil {
		db.Close()
		return nil, err
	}

	return &ViewerStore{
		db: db,
	}, nil
}

func (self *ViewerStore) Close() error {
	return self.db.Close()
}

func (self *ViewerStore) CreateViewer(ctx context.Context, viewer *viewersync.ViewerState) error {
	columns := map[string]any{
		"data":          viewer.Data,
		"onboarding":    viewer.Onboarding,
		"library":       viewer.Library,
		"slates":        viewer.Slates,
		"subscriptions": viewer.Subscriptions,
		"subscribers":   viewer.Subscribers,
		"keys":          viewer.Keys,
		"status":        viewer.Status,
	}
	values := map[string]string{}
	for column, value := range columns {
		valueJson, err := json.Marshal(value)
		if err != nil {
			return err
		}
		values[column] = string(valueJson)
	}

	_, err := self.db.ExecContext(
		ctx,
		`INSERT INTO viewers
			(id, username, data, onboarding, library, slates, subscriptions, subscribers, keys, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		viewer.Id.String(),
		viewer.Username,
		values["data"],
		values["onboarding"],
		values["library"],
		values["slates"],
		values["subscriptions"],
		values["subscribers"],
		values["keys"],
		values["status"],
	)
	return err
}

// column per partial field. The allowlist keeps the field name out of the
// statement text.
var fieldColumns = map[string]string{
	viewersync.FieldLibrary:       "library",
	viewersync.FieldSlates:        "slates",
	viewersync.FieldSubscriptions: "subscriptions",
	viewersync.FieldSubscribers:   "subscribers",
	viewersync.FieldKeys:          "keys",
	viewersync.FieldStatus:        "status",
}

// replaces one field of the stored viewer with its new full value.
// the caller broadcasts the matching partial update only after this commits.
func (self *ViewerStore) UpdateField(
	ctx context.Context,
	viewerId viewersync.Id,
	field string,
	value json.RawMessage,
) error {
	if field == viewersync.FieldProfile {
		return self.updateProfile(ctx, viewerId, value)
	}

	column, ok := fieldColumns[field]
	if !ok {
		return fmt.Errorf("unknown field: %s", field)
	}

	result, err := self.db.ExecContext(
		ctx,
		fmt.Sprintf(`UPDATE viewers SET %s = ? WHERE id = ?`, column),
		string(value),
		viewerId.String(),
	)
	if err != nil {
		return err
	}
	return requireUpdated(result, viewerId)
}

func (self *ViewerStore) updateProfile(
	ctx context.Context,
	viewerId viewersync.Id,
	value json.RawMessage,
) error {
	var profile viewersync.ProfilePartial
	if err := json.Unmarshal(value, &profile); err != nil {
		return err
	}
	dataJson, err := json.Marshal(profile.Data)
	if err != nil {
		return err
	}
	onboardingJson, err := json.Marshal(profile.Onboarding)
	if err != nil {
		return err
	}

	result, err := self.db.ExecContext(
		ctx,
		`UPDATE viewers SET username = ?, data = ?, onboarding = ? WHERE id = ?`,
		profile.Username,
		string(dataJson),
		string(onboardingJson),
		viewerId.String(),
	)
	if err != nil {
		return err
	}
	return requireUpdated(result, viewerId)
}

func requireUpdated(result sql.Result, viewerId viewersync.Id) error {
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("no viewer %s", viewerId)
	}
	return nil
}

// assembles the complete viewer snapshot, including the library stats.
// returns nil with no error when the viewer does not exist.
func (self *ViewerStore) GetFullViewerState(
	ctx context.Context,
	viewerId viewersync.Id,
) (*viewersync.ViewerState, error) {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT username, data, onboarding, library, slates, subscriptions, subscribers, keys, status
			FROM viewers WHERE id = ?`,
		viewerId.String(),
	)

	var username string
	var dataJson string
	var onboardingJson string
	var libraryJson string
	var slatesJson string
	var subscriptionsJson string
	var subscribersJson string
	var keysJson string
	var statusJson string
	err := row.Scan(
		&username,
		&dataJson,
		&onboardingJson,
		&libraryJson,
		&slatesJson,
		&subscriptionsJson,
		&subscribersJson,
		&keysJson,
		&statusJson,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	viewer := &viewersync.ViewerState{
		Id:       viewerId,
		Username: username,
	}
	for _, column := range []struct {
		valueJson string
		value     any
	}{
		{dataJson, &viewer.Data},
		{onboardingJson, &viewer.Onboarding},
		{libraryJson, &viewer.Library},
		{slatesJson, &viewer.Slates},
		{subscriptionsJson, &viewer.Subscriptions},
		{subscribersJson, &viewer.Subscribers},
		{keysJson, &viewer.Keys},
		{statusJson, &viewer.Status},
	} {
		if err := json.Unmarshal([]byte(column.valueJson), column.value); err != nil {
			return nil, err
		}
	}

	viewer.Stats = viewersync.ComputeLibraryStats(viewer.Library)
	return viewer, nil
}
