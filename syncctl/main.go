package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/slatehq/viewersync/viewersync"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Viewer sync control.

The default urls assume a local syncd:
    api_url: http://127.0.0.1:8080
    channel_url: ws://127.0.0.1:8080/channel

The channel secret falls back to the VIEWERSYNC_SECRET environment variable.

Usage:
    syncctl watch --viewer_id=<viewer_id> [--api_url=<api_url>]
        [--channel_url=<channel_url>] [--secret=<secret>]
        [--session_token=<session_token>]
    syncctl rehydrate --viewer_id=<viewer_id> [--api_url=<api_url>]
        [--session_token=<session_token>]
    syncctl create-viewer [--api_url=<api_url>] [--username=<username>]
        [--session_token=<session_token>]
    syncctl update --viewer_id=<viewer_id> --field=<field> [--api_url=<api_url>]
        [--session_token=<session_token>] [<value>]
    syncctl session-token --session_secret=<session_secret> --viewer_id=<viewer_id>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --channel_url=<channel_url>
    --secret=<secret>          Shared channel secret.
    --session_token=<session_token>   Session token for the gate, if enabled.
    --session_secret=<session_secret>
    --viewer_id=<viewer_id>
    --field=<field>            One of library, slates, subscriptions,
                               subscribers, keys, status, profile.
    --username=<username>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if rehydrate_, _ := opts.Bool("rehydrate"); rehydrate_ {
		rehydrate(opts)
	} else if createViewer_, _ := opts.Bool("create-viewer"); createViewer_ {
		createViewer(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(opts)
	} else if sessionToken_, _ := opts.Bool("session-token"); sessionToken_ {
		sessionToken(opts)
	}
}

func printViewer(viewer *viewersync.ViewerState) {
	viewerJson, err := json.MarshalIndent(viewer, "", "  ")
	if err != nil {
		Err.Fatalf("encode error: %s", err)
	}
	Out.Printf("%s", viewerJson)
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return "http://127.0.0.1:8080"
}

func channelUrl(opts docopt.Opts) string {
	if channelUrl, err := opts.String("--channel_url"); err == nil && channelUrl != "" {
		return channelUrl
	}
	return "ws://127.0.0.1:8080/channel"
}

func channelSecret(opts docopt.Opts) string {
	if secret, err := opts.String("--secret"); err == nil && secret != "" {
		return secret
	}
	return os.Getenv("VIEWERSYNC_SECRET")
}

func requireViewerId(opts docopt.Opts) viewersync.Id {
	viewerIdStr, err := opts.String("--viewer_id")
	if err != nil {
		Err.Fatalf("missing --viewer_id")
	}
	viewerId, err := viewersync.ParseId(viewerIdStr)
	if err != nil {
		Err.Fatalf("bad --viewer_id: %s", err)
	}
	return viewerId
}

// rehydrate the full state, then follow partial updates from the channel.
// falls back to rehydrate-only output when the channel is not configured.
func watch(opts docopt.Opts) {
	viewerId := requireViewerId(opts)
	token, _ := opts.String("--session_token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := viewersync.NewRehydrateClient(apiUrl(opts), token)
	viewer, err := source.GetFullViewerState(ctx, viewerId)
	if err != nil {
		Err.Fatalf("rehydrate error: %s", err)
	}
	if viewer == nil {
		Err.Fatalf("no viewer %s", viewerId)
	}
	printViewer(viewer)

	resource := &viewersync.ChannelResource{
		Url:          channelUrl(opts),
		Secret:       channelSecret(opts),
		SessionToken: token,
	}

	clientContext := &viewersync.ClientContext{}
	subscriber, err := clientContext.Open(
		ctx,
		viewer,
		resource,
		viewersync.DefaultChannelSubscriberSettings(),
	)
	if err == viewersync.ErrConfigurationAbsent {
		Out.Printf("channel sync is not configured. exiting after rehydrate.")
		return
	} else if err != nil {
		Err.Fatalf("subscribe error: %s", err)
	}

	subscriber.AddStateCallback(func(state viewersync.SubscriberState) {
		Out.Printf("state: %s", state)
	})
	subscriber.AddOfflineCallback(func() {
		Out.Printf("channel offline. you may need to refresh to see updates.")
	})
	subscriber.AddUpdateCallback(func(viewer *viewersync.ViewerState) {
		printViewer(viewer)
	})
	subscriber.AddResyncCallback(func() {
		Out.Printf("repeated decode failures. rehydrating from ground truth.")
		if viewer, err := source.GetFullViewerState(ctx, viewerId); err == nil && viewer != nil {
			printViewer(viewer)
		}
	})

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	<-exit

	// tear down before exiting, as a sign out would
	clientContext.Close()
}

func rehydrate(opts docopt.Opts) {
	viewerId := requireViewerId(opts)
	token, _ := opts.String("--session_token")

	source := viewersync.NewRehydrateClient(apiUrl(opts), token)
	viewer, err := source.GetFullViewerState(context.Background(), viewerId)
	if err != nil {
		Err.Fatalf("rehydrate error: %s", err)
	}
	if viewer == nil {
		Err.Fatalf("no viewer %s", viewerId)
	}
	printViewer(viewer)
}

func createViewer(opts docopt.Opts) {
	username, _ := opts.String("--username")
	token, _ := opts.String("--session_token")

	viewer := &viewersync.ViewerState{
		Id:       viewersync.NewId(),
		Username: username,
		Library: []*viewersync.LibraryRoot{
			{Children: []*viewersync.LibraryFile{}},
		},
		Status:     map[string]any{},
		Onboarding: map[string]bool{},
	}
	body, err := json.Marshal(viewer)
	if err != nil {
		Err.Fatalf("encode error: %s", err)
	}

	result := post(opts, fmt.Sprintf("%s/viewers", apiUrl(opts)), token, body)
	Out.Printf("%s", result)
}

func update(opts docopt.Opts) {
	viewerId := requireViewerId(opts)
	field, err := opts.String("--field")
	if err != nil {
		Err.Fatalf("missing --field")
	}
	token, _ := opts.String("--session_token")

	value, _ := opts.String("<value>")
	var body []byte
	if value == "" || value == "-" {
		body, err = io.ReadAll(os.Stdin)
		if err != nil {
			Err.Fatalf("read error: %s", err)
		}
	} else {
		body = []byte(value)
	}
	if !json.Valid(body) {
		Err.Fatalf("value is not valid json")
	}

	url := fmt.Sprintf("%s/viewers/%s/%s", apiUrl(opts), viewerId, field)
	result := post(opts, url, token, body)
	Out.Printf("%s", result)
}

func sessionToken(opts docopt.Opts) {
	viewerId := requireViewerId(opts)
	sessionSecret, err := opts.String("--session_secret")
	if err != nil {
		Err.Fatalf("missing --session_secret")
	}

	token, err := viewersync.NewSessionToken(sessionSecret, viewerId)
	if err != nil {
		Err.Fatalf("token error: %s", err)
	}
	Out.Printf("%s", token)
}

func post(opts docopt.Opts, url string, token string, body []byte) string {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		Err.Fatalf("request error: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	r, err := http.DefaultClient.Do(req)
	if err != nil {
		Err.Fatalf("request error: %s", err)
	}
	defer r.Body.Close()

	result, err := io.ReadAll(r.Body)
	if err != nil {
		Err.Fatalf("read error: %s", err)
	}
	if r.StatusCode != http.StatusOK {
		Err.Fatalf("status %d: %s", r.StatusCode, strings.TrimSpace(string(result)))
	}
	return strings.TrimSpace(string(result))
}
