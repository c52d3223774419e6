package viewersync

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// the full-state-assembly collaborator.
// `GetFullViewerState` returns nil with no error when the viewer is not found.
// it is idempotent and safe to call repeatedly; clients use it to resynchronize
// from ground truth when the channel cannot be established or decoding keeps
// failing.
type ViewerSource interface {
	GetFullViewerState(ctx context.Context, viewerId Id) (*ViewerState, error)
}

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// rehydrates over the state api
type RehydrateClient struct {
	apiUrl       string
	sessionToken string

	httpClient *http.Client
}

func NewRehydrateClient(apiUrl string, sessionToken string) *RehydrateClient {
	return &RehydrateClient{
		apiUrl:       apiUrl,
		sessionToken: sessionToken,
		httpClient:   defaultClient(),
	}
}

func (self *RehydrateClient) GetFullViewerState(ctx context.Context, viewerId Id) (*ViewerState, error) {
	url := fmt.Sprintf("%s/viewers/%s", self.apiUrl, viewerId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if self.sessionToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.sessionToken))
	}

	r, err := self.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	switch r.StatusCode {
	case http.StatusOK:
		viewer := &ViewerState{}
		if err := json.NewDecoder(r.Body).Decode(viewer); err != nil {
			return nil, err
		}
		return viewer, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("rehydrate status %d", r.StatusCode)
	}
}
