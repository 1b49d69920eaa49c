// Package fetch wraps an HTTP client with the status-capturing GET and
// streaming-download primitives a ResourceSync Destination needs: a full
// in-memory text fetch, and a block-streamed download to a
// caller-provided file, both with a single retry on transient DNS/
// connection errors and a bounded per-request timeout.
package fetch

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethgrid/pester"
)

const downloadBlockSize = 4096 // >= 1 KiB.2

// FetchError reports a network failure or a non-2xx status.
type FetchError struct {
	URI    string
	Status int
	Cause  error
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fetch %s: %v", e.URI, e.Cause)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URI, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Fetcher performs HTTP GETs and streaming downloads against Sources.
type Fetcher struct {
	client *pester.Client
}

// New builds a Fetcher with the given per-request timeout. A single
// retry is attempted on transient errors; there is no further automatic
// retry.
func New(timeout time.Duration) *Fetcher {
	base := &http.Client{Timeout: timeout}

	client := pester.NewExtendedClient(base)
	client.MaxRetries = 2 // one retry beyond the initial attempt
	client.Backoff = pester.ExponentialBackoff
	client.KeepLog = false

	return &Fetcher{client: client}
}

// GetText performs a full in-memory fetch of uri, returning the HTTP status
// and decoded body. A non-200 status is reported as a *FetchError; the
// response body that came with it is still returned to the caller.
func (f *Fetcher) GetText(uri string) (status int, body []byte, err error) {
	resp, err := f.client.Get(uri)
	if err != nil {
		return 0, nil, &FetchError{URI: uri, Cause: err}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return resp.StatusCode, nil, &FetchError{URI: uri, Status: resp.StatusCode, Cause: readErr}
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, data, &FetchError{URI: uri, Status: resp.StatusCode}
	}

	return resp.StatusCode, data, nil
}

// GetWithHeader is GetText plus the response header, so discovery step 4
// can inspect the Link header. Each call issues its own request.
func (f *Fetcher) GetWithHeader(uri string) (status int, body []byte, header http.Header, err error) {
	resp, err := f.client.Get(uri)
	if err != nil {
		return 0, nil, nil, &FetchError{URI: uri, Cause: err}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return resp.StatusCode, nil, resp.Header, &FetchError{URI: uri, Status: resp.StatusCode, Cause: readErr}
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, data, resp.Header, &FetchError{URI: uri, Status: resp.StatusCode}
	}

	return resp.StatusCode, data, resp.Header, nil
}

// Download streams uri's body to w in fixed-size blocks. The caller is
// responsible for the target being a temp file that gets atomically
// renamed into place only after Download returns nil; a partial download
// never replaces a target file.
func (f *Fetcher) Download(uri string, w io.Writer) (status int, err error) {
	resp, err := f.client.Get(uri)
	if err != nil {
		return 0, &FetchError{URI: uri, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, &FetchError{URI: uri, Status: resp.StatusCode}
	}

	buf := make([]byte, downloadBlockSize)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		return resp.StatusCode, &FetchError{URI: uri, Status: resp.StatusCode, Cause: err}
	}

	return resp.StatusCode, nil
}
