package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/reflection"
	"github.com/hupe1980/flowkit/tracing"
)

// apiError is the error envelope returned by runtimes and telemetry servers.
type apiError struct {
	Error reflection.ErrorBody `json:"error"`
}

// httpClient calls the JSON APIs of runtimes and telemetry servers.
type httpClient struct {
	base string
	hc   *http.Client
}

func newHTTPClient(base string) *httpClient {
	return &httpClient{base: strings.TrimRight(base, "/"), hc: http.DefaultClient}
}

func (c *httpClient) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// send issues the request and turns non-2xx responses into errors.
func (c *httpClient) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var env apiError
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Message != "" {
		return core.NewError(env.Error.Code, "%s", env.Error.Message)
	}
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
}

func (c *httpClient) listActions(ctx context.Context) (map[string]core.ActionDesc, error) {
	var out map[string]core.ActionDesc
	if err := c.do(ctx, http.MethodGet, "/api/actions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *httpClient) runAction(ctx context.Context, req reflection.RunActionRequest) (*reflection.RunActionResponse, error) {
	var out reflection.RunActionResponse
	if err := c.do(ctx, http.MethodPost, "/api/runAction", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// streamAction reads the line-delimited stream of a V1 runtime: chunks
// first, then one line holding either the result or an error.
func (c *httpClient) streamAction(ctx context.Context, req reflection.RunActionRequest, onChunk func(json.RawMessage)) (*reflection.RunActionResponse, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/runAction?stream=true", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var last json.RawMessage
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 32<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if last != nil {
			onChunk(last)
		}
		last = append(json.RawMessage(nil), line...)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("stream ended without a result")
	}

	var env apiError
	if err := json.Unmarshal(last, &env); err == nil && env.Error.Message != "" {
		return nil, core.NewError(env.Error.Code, "%s", env.Error.Message)
	}
	var out reflection.RunActionResponse
	if err := json.Unmarshal(last, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) cancelAction(ctx context.Context, traceID string) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/cancelAction", map[string]string{"traceId": traceID}, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

func (c *httpClient) listTraces(ctx context.Context, limit int, filter, token string) (*tracing.ListResult, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if filter != "" {
		q.Set("filter", filter)
	}
	if token != "" {
		q.Set("continuationToken", token)
	}
	path := "/api/traces"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out tracing.ListResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) loadTrace(ctx context.Context, traceID string) (*tracing.TraceData, error) {
	var out tracing.TraceData
	if err := c.do(ctx, http.MethodGet, "/api/traces/"+url.PathEscape(traceID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
