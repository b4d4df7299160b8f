package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server) *WorkersAIClient {
	t.Helper()
	client, err := NewWorkersAIClient(WorkersAIConfig{
		AccountID:      "acct",
		APIToken:       "token",
		BaseURL:        srv.URL,
		GatewayBaseURL: srv.URL + "/gw",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestWorkersAICaptionThroughGateway(t *testing.T) {
	var gotPath, gotAuth, gotSkip string
	var gotImage []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotSkip = r.Header.Get("cf-aig-skip-cache")
		var body struct {
			Prompt string `json:"prompt"`
			Image  []int  `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotImage = body.Image
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"errors":[],"result":{"response":" A cat on a sofa. "}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	resp, err := client.Run(context.Background(), DefaultCaptionModel, Params{
		Prompt: CaptionPrompt,
		Image:  ImageBytes{1, 2, 255},
	}, DefaultGatewayOptions(""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	text, err := resp.Text()
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if text != "A cat on a sofa." {
		t.Fatalf("text = %q", text)
	}
	if gotPath != "/gw/acct/"+DefaultGateway+"/workers-ai/"+DefaultCaptionModel {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotSkip != "true" {
		t.Fatalf("skip cache header = %q", gotSkip)
	}
	if len(gotImage) != 3 || gotImage[0] != 1 || gotImage[2] != 255 {
		t.Fatalf("image = %v", gotImage)
	}
}

func TestWorkersAIDirectEndpointWithoutGateway(t *testing.T) {
	var gotPath, gotSkip string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSkip = r.Header.Get("cf-aig-skip-cache")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"result":{"response":"ok"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	if _, err := client.Run(context.Background(), "@cf/test/model", Params{Prompt: "hi"}, Gateway{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotPath != "/accounts/acct/ai/run/@cf/test/model" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotSkip != "" {
		t.Fatalf("unexpected skip cache header %q", gotSkip)
	}
}

func TestWorkersAIStreamedImage(t *testing.T) {
	payload := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	resp, err := client.Run(context.Background(), DefaultImageModel, Params{Prompt: ImagePrefix + "a red fox"}, DefaultGatewayOptions(""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !resp.Streamed() {
		t.Fatalf("expected streamed response")
	}
	data, err := resp.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch: got %d bytes", len(data))
	}
	again, err := resp.Bytes()
	if err != nil || !bytes.Equal(again, payload) {
		t.Fatalf("second read should return the same buffer: err=%v", err)
	}
}

func TestWorkersAIBufferedBase64Image(t *testing.T) {
	payload := []byte("png-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]string{"image": base64.StdEncoding.EncodeToString(payload)},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	resp, err := client.Run(context.Background(), DefaultImageModel, Params{Prompt: "x"}, Gateway{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Streamed() {
		t.Fatalf("expected buffered response")
	}
	data, err := resp.Bytes()
	if err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("bytes = %q err=%v", data, err)
	}
}

func TestWorkersAIEventStreamText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("accept header = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"response\":\"A dog \"}\n\n")
		_, _ = io.WriteString(w, "data: {\"response\":\"runs.\"}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	resp, err := client.Run(context.Background(), DefaultCaptionModel, Params{Prompt: "p", Stream: true}, Gateway{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	text, err := resp.Text()
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if text != "A dog runs." {
		t.Fatalf("text = %q", text)
	}
}

func TestWorkersAIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"success":false,"errors":[{"code":5006,"message":"bad input"}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.Run(context.Background(), DefaultCaptionModel, Params{Prompt: "p"}, Gateway{})
	if err == nil || !strings.Contains(err.Error(), "bad input") {
		t.Fatalf("expected error envelope message, got %v", err)
	}
}

func TestNewWorkersAIClientRequiresCredentials(t *testing.T) {
	if _, err := NewWorkersAIClient(WorkersAIConfig{APIToken: "t"}); err == nil {
		t.Fatalf("expected missing account error")
	}
	if _, err := NewWorkersAIClient(WorkersAIConfig{AccountID: "a"}); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestImageBytesMarshalAsIntArray(t *testing.T) {
	data, err := json.Marshal(Params{Prompt: "p", Image: ImageBytes{0, 16, 255}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"image":[0,16,255]`) {
		t.Fatalf("unexpected json: %s", data)
	}
	data, _ = json.Marshal(Params{Prompt: "p"})
	if strings.Contains(string(data), "image") {
		t.Fatalf("empty image should be omitted: %s", data)
	}
}

func TestResponseEmptyStreamYieldsEmptyBuffer(t *testing.T) {
	resp := StreamResponse(io.NopCloser(strings.NewReader("")), "image/png")
	data, err := resp.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if data == nil || len(data) != 0 {
		t.Fatalf("expected empty non-nil buffer, got %v", data)
	}
}

func TestStubRunner(t *testing.T) {
	stub := NewStubRunner(DefaultImageModel)
	resp, err := stub.Run(context.Background(), DefaultImageModel, Params{Prompt: "a lighthouse"}, Gateway{})
	if err != nil {
		t.Fatalf("image run: %v", err)
	}
	data, err := resp.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("expected png signature")
	}

	resp, err = stub.Run(context.Background(), DefaultCaptionModel, Params{Prompt: CaptionPrompt, Image: ImageBytes{1, 2, 3}}, Gateway{})
	if err != nil {
		t.Fatalf("caption run: %v", err)
	}
	text, _ := resp.Text()
	if text == "" {
		t.Fatalf("expected caption text")
	}
}

func TestPacedRunnerHonorsContext(t *testing.T) {
	paced := NewPacedRunner(NewStubRunner(""), 0.001, 1)
	ctx := context.Background()
	if _, err := paced.Run(ctx, "m", Params{Prompt: "first"}, Gateway{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := paced.Run(ctx, "m", Params{Prompt: "second"}, Gateway{}); err == nil {
		t.Fatalf("expected second call to be paced past the deadline")
	}
	if same := NewPacedRunner(NewStubRunner(""), 0, 0); same == nil {
		t.Fatalf("expected passthrough runner")
	}
}
