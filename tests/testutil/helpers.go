// Package testutil provides a mock agent gateway and audio generators for
// integration tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/normanking/cortexlink/internal/channel"
	"github.com/normanking/cortexlink/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MockGateway imitates the agent backend: a websocket endpoint speaking the
// envelope protocol, a status endpoint, and the voice upload endpoint.
type MockGateway struct {
	Server *httptest.Server

	// AutoRespond answers every command_execute with an echo response.
	// Disable it to leave commands pending.
	AutoRespond bool

	mu         sync.Mutex
	conns      []*websocket.Conn
	writeMus   map[*websocket.Conn]*sync.Mutex
	commands   []channel.CommandPayload
	rooms      []string
	token      string
	voiceBytes int
	uploads    int
}

// CreateMockGateway starts a mock gateway; it closes with the test.
func CreateMockGateway(t *testing.T) *MockGateway {
	t.Helper()

	gw := &MockGateway{
		AutoRespond: true,
		writeMus:    make(map[*websocket.Conn]*sync.Mutex),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.handleWS)
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":           "mock-gateway",
			"version":        "0.0.1",
			"agents_active":  1,
			"uptime_seconds": 5.0,
		})
	})
	mux.HandleFunc("/api/voice/upload", gw.handleUpload)

	gw.Server = httptest.NewServer(mux)
	t.Cleanup(gw.Close)
	return gw
}

// URL returns the gateway base URL.
func (g *MockGateway) URL() string {
	return g.Server.URL
}

// Close shuts the server and all websocket connections down.
func (g *MockGateway) Close() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	g.Server.Close()
}

func (g *MockGateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.writeMus[conn] = &sync.Mutex{}
	g.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			g.handleEnvelope(conn, data)
		case websocket.BinaryMessage:
			g.mu.Lock()
			g.voiceBytes += len(data)
			g.mu.Unlock()
		}
	}
}

func (g *MockGateway) handleEnvelope(conn *websocket.Conn, data []byte) {
	var env channel.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Event {
	case channel.EventAuthenticate:
		var auth channel.AuthPayload
		json.Unmarshal(env.Payload, &auth)
		g.mu.Lock()
		g.token = auth.Token
		g.mu.Unlock()

	case channel.EventCommandExecute:
		var cmd channel.CommandPayload
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return
		}
		g.mu.Lock()
		g.commands = append(g.commands, cmd)
		auto := g.AutoRespond
		g.mu.Unlock()

		if auto {
			g.push(conn, channel.EventCommandResponse, events.CommandResponse{
				ID:            cmd.ID,
				Command:       cmd.Command,
				Response:      "executed: " + cmd.Command,
				Timestamp:     float64(time.Now().UnixNano()) / 1e9,
				ExecutionTime: 0.01,
				Status:        events.StatusSuccess,
			})
		}

	case channel.EventJoinRoom:
		var room channel.RoomPayload
		json.Unmarshal(env.Payload, &room)
		g.mu.Lock()
		g.rooms = append(g.rooms, room.Room)
		g.mu.Unlock()
	}
}

func (g *MockGateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "missing audio field", http.StatusBadRequest)
		return
	}
	file.Close()

	g.mu.Lock()
	g.uploads++
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events.CommandResponse{
		ID:            "upload-1",
		Command:       "voice",
		Response:      "transcribed recording",
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		ExecutionTime: 0.02,
		Status:        events.StatusSuccess,
	})
}

// Push broadcasts a server-side event to every connected client.
func (g *MockGateway) Push(event string, payload any) error {
	data, err := channel.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	g.mu.Lock()
	conns := append([]*websocket.Conn(nil), g.conns...)
	g.mu.Unlock()

	if len(conns) == 0 {
		return fmt.Errorf("no connected clients")
	}
	for _, c := range conns {
		g.write(c, websocket.TextMessage, data)
	}
	return nil
}

func (g *MockGateway) push(conn *websocket.Conn, event string, payload any) {
	data, err := channel.EncodeEnvelope(event, payload)
	if err != nil {
		return
	}
	g.write(conn, websocket.TextMessage, data)
}

func (g *MockGateway) write(conn *websocket.Conn, msgType int, data []byte) {
	g.mu.Lock()
	mu := g.writeMus[conn]
	g.mu.Unlock()
	if mu == nil {
		return
	}
	mu.Lock()
	conn.WriteMessage(msgType, data)
	mu.Unlock()
}

// WaitForConnection blocks until a client connects or the timeout passes.
func (g *MockGateway) WaitForConnection(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		connected := len(g.conns) > 0
		g.mu.Unlock()
		if connected {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// Commands returns the command_execute payloads received so far.
func (g *MockGateway) Commands() []channel.CommandPayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]channel.CommandPayload(nil), g.commands...)
}

// Rooms returns the rooms joined so far.
func (g *MockGateway) Rooms() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.rooms...)
}

// Token returns the last authenticate token seen.
func (g *MockGateway) Token() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token
}

// VoiceBytes returns the total binary voice payload received.
func (g *MockGateway) VoiceBytes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.voiceBytes
}

// Uploads returns how many recordings were posted to the upload endpoint.
func (g *MockGateway) Uploads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.uploads
}

// GeneratePCM produces 16-bit mono samples of a 440 Hz tone.
func GeneratePCM(duration time.Duration, sampleRate int) []int16 {
	n := int(duration.Seconds() * float64(sampleRate))
	samples := make([]int16, n)
	for i := range samples {
		v := math.Sin(2 * math.Pi * 440 * float64(i) / float64(sampleRate))
		samples[i] = int16(v * 0.4 * math.MaxInt16)
	}
	return samples
}
