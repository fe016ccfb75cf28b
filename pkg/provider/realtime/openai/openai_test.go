package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/provider/realtime"
	"github.com/cadenza-voice/cadenza/pkg/provider/realtime/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test
// finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// connect dials a handle against srv, consuming nothing server-side.
func connect(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig) realtime.SessionHandle {
	t.Helper()
	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

// ── Constructor / capabilities ─────────────────────────────────────────────────

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	if p := openai.New("my-key"); p == nil {
		t.Fatal("New returned nil")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := openai.New("key").Capabilities()
	if caps.InputSampleRate != 24000 || caps.OutputSampleRate != 24000 {
		t.Errorf("sample rates = %d/%d; want 24000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if !caps.SupportsImages {
		t.Error("SupportsImages should be true")
	}
	if caps.MaxSessionDuration == 0 {
		t.Error("MaxSessionDuration should be non-zero")
	}
}

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelInURL := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelInURL <- r.URL.Query().Get("model")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case m := <-modelInURL:
		if m != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ── Connect handshake ──────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice                   string `json:"voice"`
			Instructions            string `json:"instructions"`
			InputAudioFormat        string `json:"input_audio_format"`
			OutputAudioFormat       string `json:"output_audio_format"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
			TurnDetection *struct {
				Type string `json:"type"`
			} `json:"turn_detection"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, realtime.SessionConfig{
		Voice:        "alloy",
		Instructions: "You are a concise voice assistant.",
	})

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.Voice != "alloy" {
			t.Errorf("voice = %q; want alloy", msg.Session.Voice)
		}
		if msg.Session.Instructions != "You are a concise voice assistant." {
			t.Errorf("instructions = %q", msg.Session.Instructions)
		}
		if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats = %q/%q; want pcm16/pcm16",
				msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
		}
		if msg.Session.InputAudioTranscription == nil || msg.Session.InputAudioTranscription.Model == "" {
			t.Error("input transcription should be enabled")
		}
		if msg.Session.TurnDetection == nil || msg.Session.TurnDetection.Type != "server_vad" {
			t.Error("turn_detection should be server_vad")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_SendsAuthHeaders(t *testing.T) {
	t.Parallel()

	authHeader := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("my-secret-token", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case auth := <-authHeader:
		if auth != "Bearer my-secret-token" {
			t.Errorf("Authorization = %q; want Bearer my-secret-token", auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ── SendAudio ──────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	audioMsg := make(chan appendMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update

		var msg appendMsg
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	wantPCM := []byte{0x10, 0x20, 0x30, 0x40}
	if err := handle.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		got, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append message")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = handle.Close()

	if err := handle.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
}

// ── SendText / SendImage ───────────────────────────────────────────────────────

type itemMsg struct {
	Type string `json:"type"`
	Item struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ImageURL string `json:"image_url"`
		} `json:"content"`
	} `json:"item"`
}

func TestSendText_CreatesItemAndResponse(t *testing.T) {
	t.Parallel()

	items := make(chan itemMsg, 1)
	followup := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update

		var msg itemMsg
		readJSON(t, conn, &msg)
		items <- msg

		var next map[string]string
		readJSON(t, conn, &next)
		followup <- next["type"]

		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	if err := handle.SendText("what's on my screen?"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case msg := <-items:
		if msg.Type != "conversation.item.create" {
			t.Errorf("type = %q; want conversation.item.create", msg.Type)
		}
		if msg.Item.Role != "user" {
			t.Errorf("role = %q; want user", msg.Item.Role)
		}
		if len(msg.Item.Content) != 1 || msg.Item.Content[0].Type != "input_text" {
			t.Fatalf("content = %+v; want one input_text part", msg.Item.Content)
		}
		if msg.Item.Content[0].Text != "what's on my screen?" {
			t.Errorf("text = %q", msg.Item.Content[0].Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for conversation item")
	}

	select {
	case typ := <-followup:
		if typ != "response.create" {
			t.Errorf("followup type = %q; want response.create", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
}

func TestSendImage_EncodesDataURL(t *testing.T) {
	t.Parallel()

	items := make(chan itemMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update

		var msg itemMsg
		readJSON(t, conn, &msg)
		items <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	img := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	if err := handle.SendImage("image/jpeg", img); err != nil {
		t.Fatalf("SendImage: %v", err)
	}

	select {
	case msg := <-items:
		if len(msg.Item.Content) != 1 || msg.Item.Content[0].Type != "input_image" {
			t.Fatalf("content = %+v; want one input_image part", msg.Item.Content)
		}
		url := msg.Item.Content[0].ImageURL
		wantPrefix := "data:image/jpeg;base64,"
		if !strings.HasPrefix(url, wantPrefix) {
			t.Fatalf("image_url = %q; want prefix %q", url, wantPrefix)
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, wantPrefix))
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(decoded) != string(img) {
			t.Errorf("decoded image = %v; want %v", decoded, img)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for image item")
	}
}

func TestSendImage_EmptyRejected(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	if err := handle.SendImage("image/png", nil); err == nil {
		t.Error("empty image should be rejected")
	}
}

// ── Audio ──────────────────────────────────────────────────────────────────────

func TestAudio_DeliversDecodedPCM(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": encoded,
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	select {
	case chunk, ok := <-handle.Audio():
		if !ok {
			t.Fatal("Audio channel closed unexpectedly")
		}
		if string(chunk) != string(wantPCM) {
			t.Errorf("audio chunk = %v; want %v", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

// ── Transcripts ────────────────────────────────────────────────────────────────

func TestTranscripts_AssemblesModelTextFromDeltas(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hello "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "there!"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})

		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	select {
	case entry, ok := <-handle.Transcripts():
		if !ok {
			t.Fatal("Transcripts channel closed unexpectedly")
		}
		if entry.Text != "Hello there!" {
			t.Errorf("transcript text = %q; want %q", entry.Text, "Hello there!")
		}
		if entry.Speaker != realtime.SpeakerModel {
			t.Errorf("speaker = %q; want model", entry.Speaker)
		}
		if entry.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for transcript")
	}
}

func TestTranscripts_UserSpeechTranscription(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "Turn up the volume.",
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	select {
	case entry, ok := <-handle.Transcripts():
		if !ok {
			t.Fatal("Transcripts channel closed unexpectedly")
		}
		if entry.Text != "Turn up the volume." {
			t.Errorf("transcript text = %q", entry.Text)
		}
		if entry.Speaker != realtime.SpeakerUser {
			t.Errorf("speaker = %q; want user", entry.Speaker)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for user transcription")
	}
}

// ── Interrupt handling ─────────────────────────────────────────────────────────

func TestOnInterrupt_FiresOnSpeechStarted(t *testing.T) {
	t.Parallel()

	proceed := make(chan struct{})

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		<-proceed
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	fired := make(chan struct{}, 1)
	handle.OnInterrupt(func() { fired <- struct{}{} })
	close(proceed)

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("OnInterrupt callback never fired")
	}
}

func TestInterrupt_SendsResponseCancel(t *testing.T) {
	t.Parallel()

	cancelMsg := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		var msg map[string]string
		readJSON(t, conn, &msg)
		cancelMsg <- msg["type"]

		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	if err := handle.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	select {
	case typ := <-cancelMsg:
		if typ != "response.cancel" {
			t.Errorf("sent type = %q; want response.cancel", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.cancel")
	}
}

// ── Error propagation / lifecycle ──────────────────────────────────────────────

func TestOnError_ReceivesProviderErrors(t *testing.T) {
	t.Parallel()

	proceed := make(chan struct{})

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		<-proceed
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad audio chunk"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	errCh := make(chan error, 1)
	handle.OnError(func(err error) { errCh <- err })
	close(proceed)

	select {
	case err := <-errCh:
		if !strings.Contains(err.Error(), "bad audio chunk") {
			t.Errorf("error = %v; want message to contain provider detail", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnError callback never fired")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestAudio_ClosedOnServerDisconnect(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Handler returns, closing the connection cleanly.
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	select {
	case _, ok := <-handle.Audio():
		if ok {
			t.Fatal("expected closed channel, got audio")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Audio channel never closed after server disconnect")
	}
}
