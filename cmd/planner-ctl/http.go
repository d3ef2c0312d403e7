package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yungbote/planner/internal/platform/httpx"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// doWithRetry gives a transient server-side failure (5xx, 408, 429) one
// retry after a jittered backoff before surfacing the error to the
// operator, the same classification the worker pool's handlers are
// expected to apply to their own upstream calls.
func doWithRetry(do func() (*http.Response, error)) (*http.Response, error) {
	resp, err := do()
	if err == nil && !httpx.IsRetryableHTTPStatus(resp.StatusCode) {
		return resp, nil
	}
	if err != nil && !httpx.IsRetryableError(err) {
		return resp, err
	}
	if resp != nil {
		resp.Body.Close()
	}
	time.Sleep(httpx.JitterSleep(500 * time.Millisecond))
	return do()
}

func httpGetPrint(url string) error {
	resp, err := doWithRetry(func() (*http.Response, error) { return httpClient.Get(url) })
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func httpPostPrint(url string, body map[string]any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := doWithRetry(func() (*http.Response, error) {
		return httpClient.Post(url, "application/json", bytes.NewReader(b))
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s: %s", resp.Status, string(raw))
	}
	var pretty any
	if json.Unmarshal(raw, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(string(raw))
	return nil
}
