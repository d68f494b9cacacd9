// brainsim is a development stand-in for the agent backend. It speaks the
// CortexLink wire protocol so the client can be exercised end to end
// without real infrastructure: commands get canned responses, streamed
// voice produces simulated transcriptions, and system status ticks out
// on a timer.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlink/internal/channel"
	"github.com/normanking/cortexlink/internal/events"
)

// bytesPerSecond assumes the client's default format: 16 kHz, 16-bit mono.
const bytesPerSecond = 16000 * 2

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type simulator struct {
	name    string
	token   string
	started time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	conns   map[*client]struct{}
	agents  map[string]string
	agentID []string
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	authed  bool
	rooms   map[string]bool
	pending int // voice bytes since the last transcription
}

func main() {
	addr := flag.String("addr", ":8765", "listen address")
	token := flag.String("token", "", "require this bearer token on authenticate")
	name := flag.String("name", "brainsim", "reported gateway name")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Str("app", "brainsim").Logger()

	sim := &simulator{
		name:    *name,
		token:   *token,
		started: time.Now(),
		logger:  logger,
		conns:   make(map[*client]struct{}),
		agents: map[string]string{
			"scout":   "idle",
			"builder": "idle",
			"watcher": "active",
		},
		agentID: []string{"scout", "builder", "watcher"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", sim.handleWS)
	mux.HandleFunc("/api/status", sim.handleStatus)
	mux.HandleFunc("/api/voice/upload", sim.handleUpload)

	srv := &http.Server{Addr: *addr, Handler: mux}

	go sim.tickSystemStatus(5 * time.Second)
	go sim.tickAgents(7 * time.Second)

	go func() {
		logger.Info().Str("addr", *addr).Msg("brainsim listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func (s *simulator) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		authed: s.token == "",
		rooms:  make(map[string]bool),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("client gone")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleEnvelope(c, data)
		case websocket.BinaryMessage:
			s.handleVoice(c, data)
		}
	}
}

func (s *simulator) handleEnvelope(c *client, data []byte) {
	var env channel.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.send(c, channel.EventError, events.Error{Message: "malformed envelope"})
		return
	}

	if !c.authed && env.Event != channel.EventAuthenticate {
		s.send(c, channel.EventError, events.Error{Message: "authentication required"})
		return
	}

	switch env.Event {
	case channel.EventAuthenticate:
		var auth channel.AuthPayload
		json.Unmarshal(env.Payload, &auth)
		if s.token != "" && auth.Token != s.token {
			s.send(c, channel.EventError, events.Error{Message: "invalid token"})
			c.conn.Close()
			return
		}
		c.authed = true
		s.logger.Debug().Msg("client authenticated")

	case channel.EventCommandExecute:
		var cmd channel.CommandPayload
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			s.send(c, channel.EventError, events.Error{Message: "malformed command_execute"})
			return
		}
		// A little latency makes the client's pending state visible.
		go func() {
			time.Sleep(100 * time.Millisecond)
			response, status := s.respond(cmd.Command)
			s.send(c, channel.EventCommandResponse, events.CommandResponse{
				ID:            cmd.ID,
				Command:       cmd.Command,
				Response:      response,
				Timestamp:     float64(time.Now().UnixNano()) / 1e9,
				ExecutionTime: 0.1,
				Status:        status,
			})
		}()

	case channel.EventJoinRoom:
		var room channel.RoomPayload
		json.Unmarshal(env.Payload, &room)
		c.rooms[room.Room] = true
		s.logger.Debug().Str("room", room.Room).Msg("joined room")

	case channel.EventLeaveRoom:
		var room channel.RoomPayload
		json.Unmarshal(env.Payload, &room)
		delete(c.rooms, room.Room)
		s.logger.Debug().Str("room", room.Room).Msg("left room")

	default:
		s.logger.Debug().Str("event", env.Event).Msg("ignoring event")
	}
}

// respond produces a canned response for a command.
func (s *simulator) respond(command string) (response, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case command == "ping":
		return "pong", events.StatusSuccess
	case command == "fail":
		return "simulated failure", events.StatusError
	case command == "list agents":
		parts := make([]string, 0, len(s.agentID))
		for _, id := range s.agentID {
			parts = append(parts, id+"="+s.agents[id])
		}
		return strings.Join(parts, " "), events.StatusSuccess
	case strings.HasPrefix(command, "echo "):
		return strings.TrimPrefix(command, "echo "), events.StatusSuccess
	default:
		return fmt.Sprintf("executed %q", command), events.StatusSuccess
	}
}

// handleVoice accumulates streamed audio and emits one transcription per
// simulated second of it.
func (s *simulator) handleVoice(c *client, data []byte) {
	c.pending += len(data)
	if c.pending < bytesPerSecond {
		return
	}
	seconds := float64(c.pending) / bytesPerSecond
	c.pending = 0
	s.send(c, channel.EventVoiceTranscription, events.VoiceTranscription{
		Text:      fmt.Sprintf("(simulated) heard %.1fs of audio", seconds),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := 0
	for _, status := range s.agents {
		if status != "idle" {
			active++
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":           s.name,
		"version":        "0.1.0-sim",
		"agents_active":  active,
		"uptime_seconds": time.Since(s.started).Seconds(),
	})
}

func (s *simulator) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "missing audio field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	// Subtract the WAV header to estimate the PCM duration.
	pcmBytes := len(data) - 44
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	seconds := float64(pcmBytes) / bytesPerSecond
	s.logger.Info().Int("bytes", len(data)).Msg("voice upload received")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events.CommandResponse{
		ID:            uuid.NewString(),
		Command:       "voice",
		Response:      fmt.Sprintf("(simulated) transcribed %.1fs recording", seconds),
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		ExecutionTime: 0.2,
		Status:        events.StatusSuccess,
	})
}

func (s *simulator) tickSystemStatus(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		active := 0
		for _, status := range s.agents {
			if status != "idle" {
				active++
			}
		}
		s.mu.Unlock()

		s.broadcast(channel.EventSystemStatus, events.SystemStatus{
			CPUPercent:    20 + rand.Float64()*40,
			MemoryPercent: 35 + rand.Float64()*20,
			DiskPercent:   60 + rand.Float64()*5,
			AgentsActive:  active,
			UptimeSeconds: time.Since(s.started).Seconds(),
		})
	}
}

func (s *simulator) tickAgents(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		id := s.agentID[rand.Intn(len(s.agentID))]
		next := "busy"
		if s.agents[id] == "busy" {
			next = "idle"
		}
		s.agents[id] = next
		s.mu.Unlock()

		s.broadcast(channel.EventAgentStatus, events.AgentStatus{AgentID: id, Status: next})
	}
}

func (s *simulator) broadcast(event string, payload any) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.send(c, event, payload)
	}
}

func (s *simulator) send(c *client, event string, payload any) {
	data, err := channel.EncodeEnvelope(event, payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("encode failed")
		return
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		s.logger.Debug().Err(err).Str("event", event).Msg("write failed")
	}
}
