// Package e2e drives a running goalpay server through godog scenarios.
// Point GOALPAY_E2E_URL at the server and ADMIN_TOKEN at its admin token.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cucumber/godog"

	"goalpay/e2e/steps/common"
	"goalpay/e2e/steps/goals"
	"goalpay/e2e/steps/ratelimit"
)

// RegisterSteps registers all step definitions from modular packages.
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	goals.RegisterSteps(ctx, tc)
	ratelimit.RegisterSteps(ctx, tc)
}

// TestContext holds one scenario's identity and the last response.
type TestContext struct {
	baseURL    string
	adminToken string
	client     *http.Client

	username string
	walletID string

	lastStatus int
	lastHeader http.Header
	lastBody   []byte
}

func NewTestContext(baseURL, adminToken string) *TestContext {
	return &TestContext{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Reset clears per-scenario state.
func (tc *TestContext) Reset() {
	tc.username, tc.walletID = "", ""
	tc.lastStatus, tc.lastHeader, tc.lastBody = 0, nil, nil
}

func (tc *TestContext) SetUser(username, walletID string) {
	tc.username, tc.walletID = username, walletID
}

func (tc *TestContext) Username() string { return tc.username }

func (tc *TestContext) GET(path string) error {
	return tc.do(http.MethodGet, path, nil, "", false)
}

func (tc *TestContext) AdminGET(path string) error {
	return tc.do(http.MethodGet, path, nil, "", true)
}

func (tc *TestContext) AdminPOST(path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return tc.do(http.MethodPost, path, bytes.NewReader(raw), "application/json", true)
}

// PostMultipart sends form fields plus one file part named fileField.
func (tc *TestContext) PostMultipart(path string, fields map[string]string, fileField, fileName string, content []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile(fileField, fileName)
	if err != nil {
		return err
	}
	if _, err := part.Write(content); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return tc.do(http.MethodPost, path, &buf, mw.FormDataContentType(), false)
}

func (tc *TestContext) do(method, path string, body io.Reader, contentType string, asAdmin bool) error {
	req, err := http.NewRequestWithContext(context.Background(), method, tc.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tc.username != "" {
		req.Header.Set("X-Username", tc.username)
	}
	if tc.walletID != "" {
		req.Header.Set("X-Wallet-ID", tc.walletID)
	}
	if asAdmin {
		req.Header.Set("X-Admin-Token", tc.adminToken)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	tc.lastBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	tc.lastStatus = resp.StatusCode
	tc.lastHeader = resp.Header
	return nil
}

func (tc *TestContext) LastStatus() int { return tc.lastStatus }

func (tc *TestContext) LastHeader(name string) string { return tc.lastHeader.Get(name) }

func (tc *TestContext) LastBody() []byte { return tc.lastBody }

// ResponseField decodes the last body and returns a top-level field.
func (tc *TestContext) ResponseField(field string) (any, error) {
	var body map[string]any
	if err := json.Unmarshal(tc.lastBody, &body); err != nil {
		return nil, fmt.Errorf("decode response: %w (body %q)", err, tc.lastBody)
	}
	v, ok := body[field]
	if !ok {
		return nil, fmt.Errorf("response has no field %q (body %s)", field, tc.lastBody)
	}
	return v, nil
}
