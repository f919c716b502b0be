package cmd

import (
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
)

func TestCheckJQAvailable(t *testing.T) {
	want := func() bool {
		_, err := exec.LookPath("jq")
		return err == nil
	}()

	if got := checkJQAvailable(); got != want {
		t.Errorf("checkJQAvailable() = %v, want %v", got, want)
	}
}

func TestFormatWithJQ(t *testing.T) {
	tests := []struct {
		name     string
		jsonData []byte
		wantErr  bool
	}{
		{
			name:     "valid json",
			jsonData: []byte(`{"key":"value","number":42}`),
			wantErr:  false,
		},
		{
			name:     "invalid json",
			jsonData: []byte(`{"key":"value",}`),
			wantErr:  true,
		},
		{
			name:     "json array",
			jsonData: []byte(`[1,2,3]`),
			wantErr:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !checkJQAvailable() {
				t.Skip("jq not available, skipping test")
			}

			got, err := formatWithJQ(tt.jsonData)
			if (err != nil) != tt.wantErr {
				t.Errorf("formatWithJQ() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got == "" {
				t.Errorf("formatWithJQ() returned empty string for valid JSON")
			}
		})
	}
}

func TestMakeHTTPRequest(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	origServer, origToken := serverAddr, jwtToken
	defer func() { serverAddr, jwtToken = origServer, origToken }()
	serverAddr = strings.TrimPrefix(srv.URL, "http://")
	jwtToken = "test-token"

	resp, err := makeHTTPRequest("POST", "/v1/events", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("makeHTTPRequest: %v", err)
	}
	defer resp.Body.Close()

	if gotMethod != "POST" || gotPath != "/v1/events" {
		t.Errorf("request = %s %s, want POST /v1/events", gotMethod, gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
}

func TestDecodeResponseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"conversation_id is required"}`))
	}))
	defer srv.Close()

	origServer := serverAddr
	defer func() { serverAddr = origServer }()
	serverAddr = strings.TrimPrefix(srv.URL, "http://")

	resp, err := makeHTTPRequest("GET", "/v1/dlq", nil)
	if err != nil {
		t.Fatalf("makeHTTPRequest: %v", err)
	}

	err = decodeResponse(resp, nil)
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "conversation_id is required") {
		t.Errorf("error = %v, want server message included", err)
	}
}
