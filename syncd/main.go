package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/felixge/httpsnoop"

	"github.com/golang/glog"

	"github.com/gorilla/mux"

	"github.com/juju/pubsub/v2"

	"golang.org/x/term"

	"github.com/slatehq/viewersync/viewersync"
)

const SyncdVersion = "0.0.1"

func main() {
	usage := `Viewer sync daemon.

Runs the shared broadcast channel, the viewer store of record, and the
mutation api that feeds the delta producer.

The channel secret is read from --secret, then the VIEWERSYNC_SECRET
environment variable, then an interactive prompt. An empty secret disables
channel sync; the store and rehydrate api still run.

Usage:
    syncd run [--listen=<listen>] [--db=<db>] [--secret=<secret>]
        [--session_secret=<session_secret>]

Options:
    -h --help             Show this screen.
    --version             Show version.
    --listen=<listen>     Listen address [default: 127.0.0.1:8080].
    --db=<db>             Sqlite database path [default: syncd.sqlite3].
    --secret=<secret>     Shared channel secret.
    --session_secret=<session_secret>  Session token secret. Empty disables the gate.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncdVersion)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	dbPath, _ := opts.String("--db")
	sessionSecret, _ := opts.String("--session_secret")
	secret := channelSecret(opts)
	if secret == "" {
		glog.Infof("[syncd]no channel secret. channel sync is disabled.\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := OpenViewerStore(dbPath)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{})
	channelHub := viewersync.NewChannelHubWithDefaults(ctx, sessionSecret)
	defer channelHub.Close()

	resource := &viewersync.ChannelResource{
		Url:    fmt.Sprintf("ws://%s/channel", listen),
		Secret: secret,
	}
	if sessionSecret != "" {
		// the daemon's own publisher connection also presents a session token
		token, err := viewersync.NewSessionToken(sessionSecret, viewersync.Id{})
		if err != nil {
			panic(err)
		}
		resource.SessionToken = token
	}
	publisher := viewersync.NewChannelPublisherWithDefaults(ctx, resource)
	defer publisher.Close()

	producer := viewersync.NewDeltaProducer(resource, publisher)
	unsub := producer.AttachHub(hub)
	defer unsub()

	api := &stateApi{
		store:         store,
		hub:           hub,
		sessionSecret: sessionSecret,
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, request)
			glog.V(2).Infof("[syncd]%s %s %d %s\n", request.Method, request.URL, m.Code, m.Duration)
		})
	})
	r.Path("/channel").Handler(channelHub)
	api.attachRoutes(r)

	server := &http.Server{
		Addr:    listen,
		Handler: r,
	}
	go func() {
		glog.Infof("[syncd]listening on %s\n", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("[syncd]listen error = %s\n", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		glog.Infof("[syncd]signal %s\n", sig)
	case <-ctx.Done():
	}
	cancel()
	server.Close()
}

func channelSecret(opts docopt.Opts) string {
	if secret, err := opts.String("--secret"); err == nil && secret != "" {
		return secret
	}
	if secret := os.Getenv("VIEWERSYNC_SECRET"); secret != "" {
		return secret
	}
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("Channel secret (empty disables sync): ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err == nil {
			return string(secretBytes)
		}
	}
	return ""
}
