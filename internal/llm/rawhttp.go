package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// doJSON sends body as JSON (nil for no body) and returns the response for
// any 2xx status. Other statuses are read and returned as *upstreamError.
func (b *base) doJSON(ctx context.Context, method, url string, header http.Header, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", b.spec.name, err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp, &upstreamError{status: resp.StatusCode, msg: errorMessage(data)}
	}
	return resp, nil
}

// readJSON drains a successful response and parses it with gjson.
func readJSON(resp *http.Response) (gjson.Result, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, &BackendError{Type: "invalid_response", Message: "malformed JSON response"}
	}
	return gjson.ParseBytes(data), nil
}

// errorMessage extracts the human message from the usual error bodies:
// {"error":{"message":...}}, {"error":"..."} or plain text.
func errorMessage(data []byte) string {
	if gjson.ValidBytes(data) {
		doc := gjson.ParseBytes(data)
		if m := doc.Get("error.message"); m.Exists() {
			return m.String()
		}
		if m := doc.Get("error"); m.Type == gjson.String {
			return m.String()
		}
		if m := doc.Get("message"); m.Exists() {
			return m.String()
		}
	}
	return strings.TrimSpace(string(data))
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
