// chatrelay/utils/http/httputils.go
package httputils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// maxErrorBody caps how much of a failed response is kept for logs.
const maxErrorBody = 4 << 10

// StatusError is returned when the remote answered outside 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status: %d %s", e.Code, e.Body)
}

func newRequest(ctx context.Context, url string, headers map[string]string, body interface{}) (*http.Request, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func do(client *http.Client, req *http.Request) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	r, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if r.StatusCode < 200 || r.StatusCode > 299 {
		defer r.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBody))
		return nil, &StatusError{Code: r.StatusCode, Body: string(b)}
	}
	return r, nil
}

// PostJSON posts body as JSON and decodes a 2xx answer into resp.
func PostJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}, resp interface{}) error {
	req, err := newRequest(ctx, url, headers, body)
	if err != nil {
		return err
	}
	r, err := do(client, req)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	if resp != nil {
		if err := json.NewDecoder(r.Body).Decode(resp); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

// PostRaw posts body as JSON and returns the whole 2xx answer.
func PostRaw(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) ([]byte, error) {
	req, err := newRequest(ctx, url, headers, body)
	if err != nil {
		return nil, err
	}
	r, err := do(client, req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return b, nil
}

// PostStream posts body as JSON and hands back the open 2xx body. The caller
// closes it; cancelling ctx aborts the read.
func PostStream(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) (io.ReadCloser, error) {
	req, err := newRequest(ctx, url, headers, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	r, err := do(client, req)
	if err != nil {
		return nil, err
	}
	return r.Body, nil
}
