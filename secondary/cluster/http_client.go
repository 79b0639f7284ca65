// @copyright 2014-Present Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cluster

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/couchbase/cbauth"

	"github.com/couchbase/reindex-upgrader/secondary/logging"
)

// HTTPClient is a typed REST client over the target cluster: wrap
// net/http, marshal/unmarshal JSON, and sign every outgoing request
// via cbauth.
type HTTPClient struct {
	baseURL string
	httpc   *http.Client
}

// NewHTTPClient builds a client against baseURL (e.g.
// "https://cluster.example.com:9200"). Every request is signed via
// cbauth.SetRequestAuthVia, which is a no-op until cbauth has been
// initialized against the target cluster. insecureSkipVerify disables
// certificate verification, for self-signed test clusters only.
func NewHTTPClient(baseURL string, timeout time.Duration, insecureSkipVerify bool) *HTTPClient {
	var transport http.RoundTripper
	if insecureSkipVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout, Transport: transport},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	cbauth.SetRequestAuthVia(req, nil)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cluster request %s %s failed: status=%d body=%s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *HTTPClient) SettingsPut(ctx context.Context, index string, settings map[string]interface{}) (AckResponse, error) {
	var resp AckResponse
	err := c.do(ctx, http.MethodPut, "/"+index+"/_settings", settings, &resp)
	return resp, err
}

func (c *HTTPClient) IndexCreate(ctx context.Context, index string, body map[string]interface{}) (AckResponse, error) {
	var resp AckResponse
	err := c.do(ctx, http.MethodPut, "/"+index, body, &resp)
	return resp, err
}

func (c *HTTPClient) GetFlatSettings(ctx context.Context, index string) (FlatSettingsResponse, error) {
	var resp FlatSettingsResponse
	err := c.do(ctx, http.MethodGet, "/"+index+"/_settings?flat_settings=true", nil, &resp)
	return resp, err
}

func (c *HTTPClient) GetMappings(ctx context.Context, index string) (MappingsResponse, error) {
	var resp MappingsResponse
	err := c.do(ctx, http.MethodGet, "/"+index+"/_mapping", nil, &resp)
	return resp, err
}

func (c *HTTPClient) IndexExists(ctx context.Context, index string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/"+index, nil)
	if err != nil {
		return false, err
	}
	cbauth.SetRequestAuthVia(req, nil)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *HTTPClient) Reindex(ctx context.Context, body ReindexRequest) (ReindexResponse, error) {
	var resp ReindexResponse
	err := c.do(ctx, http.MethodPost, "/_reindex?wait_for_completion=false", body, &resp)
	return resp, err
}

func (c *HTTPClient) GetTask(ctx context.Context, taskID string) (TaskStatus, error) {
	var resp TaskStatus
	err := c.do(ctx, http.MethodGet, "/_tasks/"+taskID, nil, &resp)
	return resp, err
}

func (c *HTTPClient) DeleteTask(ctx context.Context, taskID string) (DeleteTaskResponse, error) {
	var resp DeleteTaskResponse
	err := c.do(ctx, http.MethodDelete, "/.tasks/task/"+taskID, nil, &resp)
	return resp, err
}

func (c *HTTPClient) GetAliases(ctx context.Context, index string) (AliasesGetResponse, error) {
	var resp AliasesGetResponse
	err := c.do(ctx, http.MethodGet, "/"+index+"/_alias", nil, &resp)
	return resp, err
}

func (c *HTTPClient) UpdateAliases(ctx context.Context, req AliasesUpdateRequest) (AckResponse, error) {
	var resp AckResponse
	err := c.do(ctx, http.MethodPost, "/_aliases", req, &resp)
	return resp, err
}

func (c *HTTPClient) NodesInfo(ctx context.Context) (NodesInfoResponse, error) {
	var resp NodesInfoResponse
	err := c.do(ctx, http.MethodGet, "/_nodes", nil, &resp)
	return resp, err
}

func (c *HTTPClient) SetMLUpgradeMode(ctx context.Context, enabled bool) (AckResponse, error) {
	var resp AckResponse
	path := fmt.Sprintf("/_ml/set_upgrade_mode?enabled=%t", enabled)
	err := c.do(ctx, http.MethodPost, path, nil, &resp)
	if err != nil {
		logging.Warnf("HTTPClient::SetMLUpgradeMode enabled=%v err=%v", enabled, err)
	}
	return resp, err
}
