/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/internal/telemetry"
	"github.com/wesleyemery/liquid-bench/pkg/engine"
)

func newTestServer(t *testing.T, eng engine.Engine) *Server {
	t.Helper()
	registry := prometheus.NewRegistry()
	m, err := telemetry.New(registry, "facebook/opt-6.7b")
	require.NoError(t, err)

	return New(v1alpha1.ServerSpec{Host: "127.0.0.1", Port: 0}, eng, m, registry)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, CompletionsPath, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleCompletion_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		addErr     error
		wantStatus int
		wantQueued bool
	}{
		{
			name:       "accepted",
			body:       `{"request_id":"r-1","prompt":"hello world","max_response_length":8}`,
			wantStatus: http.StatusOK,
			wantQueued: true,
		},
		{
			name:       "unknown fields ignored",
			body:       `{"request_id":"r-2","prompt":"hello","max_response_length":1,"temperature":0}`,
			wantStatus: http.StatusOK,
			wantQueued: true,
		},
		{
			name:       "malformed json",
			body:       `{"prompt":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty prompt",
			body:       `{"prompt":"","max_response_length":8}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative response length",
			body:       `{"prompt":"hello","max_response_length":-2}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "request too large",
			body:       `{"prompt":"hello","max_response_length":8}`,
			addErr:     engine.ErrRequestTooLarge,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "engine closed",
			body:       `{"prompt":"hello","max_response_length":8}`,
			addErr:     engine.ErrEngineClosed,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "engine failure",
			body:       `{"prompt":"hello","max_response_length":8}`,
			addErr:     errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := engine.NewMockEngine()
			eng.AddErr = tt.addErr
			s := newTestServer(t, eng)

			rec := post(t, s.Handler(), tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantQueued {
				assert.Len(t, eng.Requests, 1)
				assert.Empty(t, rec.Body.String())
			} else {
				assert.Empty(t, eng.Requests)
			}
		})
	}
}

func TestHandleCompletion_AssignsRequestID(t *testing.T) {
	eng := engine.NewMockEngine()
	s := newTestServer(t, eng)

	rec := post(t, s.Handler(), `{"prompt":"hello","max_response_length":3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, eng.Requests, 1)
	assert.Len(t, eng.Requests[0].RequestID, 36)
	assert.Equal(t, "hello", eng.Requests[0].Prompt)
	assert.Equal(t, 3, eng.Requests[0].MaxResponseLength)
}

func TestHandleCompletion_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, engine.NewMockEngine())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, CompletionsPath, nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s := newTestServer(t, engine.NewMockEngine())
	h := s.Handler()

	post(t, h, `{"prompt":"hello","max_response_length":3}`)
	post(t, h, `{"prompt":""}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetricsPath, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `liquid_requests_received_total{model_name="facebook/opt-6.7b"} 2`)
	assert.Contains(t, body, `liquid_requests_rejected_total{model_name="facebook/opt-6.7b",reason="bad_request"} 1`)
}

func TestServer_StartStop(t *testing.T) {
	eng := engine.NewMockEngine()
	s := newTestServer(t, eng)
	ctx := context.Background()

	assert.Empty(t, s.Addr())
	require.NoError(t, s.Start(ctx))
	addr := s.Addr()
	require.NotEmpty(t, addr)
	assert.Error(t, s.Start(ctx))

	resp, err := http.Get("http://" + addr + ReadyzPath)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr + HealthzPath + "/ping")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post("http://"+addr+CompletionsPath, "application/json",
		strings.NewReader(`{"request_id":"live","prompt":"hi","max_response_length":1}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	require.Len(t, eng.Requests, 1)
	assert.Equal(t, "live", eng.Requests[0].RequestID)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())

	_, err = http.Get("http://" + addr + ReadyzPath)
	assert.Error(t, err)
}

func TestServer_ReadyzBeforeStart(t *testing.T) {
	s := newTestServer(t, engine.NewMockEngine())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ReadyzPath, nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_StartBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	registry := prometheus.NewRegistry()
	m, err := telemetry.New(registry, "m")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	s := New(v1alpha1.ServerSpec{Host: "127.0.0.1", Port: port}, engine.NewMockEngine(), m, registry)

	assert.ErrorContains(t, s.Start(context.Background()), "failed to listen")
}
