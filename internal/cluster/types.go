package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SiteInfo names one storage site and where its listeners are.
type SiteInfo struct {
	ID         string `json:"id" yaml:"id"`
	Addr       string `json:"addr" yaml:"addr"`
	HealthAddr string `json:"healthAddr,omitempty" yaml:"healthAddr"`
}

// BaseURL turns a configured address into a URL prefix: host:port gains an
// http:// scheme and trailing slashes are dropped.
func BaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr != "" && !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// StatusError is returned for a non-2xx reply. Decoded reports whether the
// body was still decoded into the caller's output value, which lets callers
// relay structured error replies such as a 503 from an unavailable store.
type StatusError struct {
	URL     string
	Code    int
	Decoded bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// IsStatus reports whether err is a *StatusError.
func IsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// DefaultCallTimeout bounds calls whose context carries no deadline.
const DefaultCallTimeout = 5 * time.Second

// The client has no timeout of its own; every call is bounded by its context.
var (
	httpClient         = &http.Client{}
	defaultCallTimeout = DefaultCallTimeout
)

// PostJSON sends body as JSON and decodes the reply into out (if non-nil).
// The call is bounded by ctx, or by DefaultCallTimeout when ctx has no
// deadline.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// PostRaw sends an opaque body with the given content type and decodes a JSON reply.
func PostRaw(ctx context.Context, url, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return do(req, out)
}

// GetJSON fetches url and decodes the JSON reply into out, bounded like PostJSON.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	if _, ok := req.Context().Deadline(); !ok {
		ctx, cancel := context.WithTimeout(req.Context(), defaultCallTimeout)
		defer cancel()
		req = req.WithContext(ctx)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		se := &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
		if out != nil {
			data, _ := io.ReadAll(resp.Body)
			if len(data) > 0 && json.Unmarshal(data, out) == nil {
				se.Decoded = true
			}
		}
		return se
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WriteJSON writes v as the JSON reply with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a request body into v.
func ReadJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
