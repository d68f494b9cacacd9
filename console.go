package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/cortexlink/internal/bridge"
	"github.com/normanking/cortexlink/internal/capture"
	"github.com/normanking/cortexlink/internal/channel"
	"github.com/normanking/cortexlink/internal/command"
	"github.com/normanking/cortexlink/internal/config"
	"github.com/normanking/cortexlink/internal/discovery"
	"github.com/normanking/cortexlink/internal/journal"
	"github.com/normanking/cortexlink/internal/logging"
	"github.com/normanking/cortexlink/internal/state"
)

// commandTimeout bounds a single say round trip at the console.
const commandTimeout = 30 * time.Second

// console is the interactive stdin loop. Logs go to stderr and the log
// file; stdout belongs to the console output.
type console struct {
	cfg        *config.Config
	store      *state.Store
	channel    *channel.Manager
	commands   *command.Bridge
	audio      *bridge.AudioBridge
	capture    *capture.Manager
	connection *bridge.ConnectionBridge
	discovery  *discovery.Service
	journal    *journal.Journal // nil when disabled
	logger     *logging.Logger
	out        io.Writer
}

func (c *console) run(ctx context.Context) {
	fmt.Fprintln(c.out, "CortexLink console. Type 'help' for commands.")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if c.handle(ctx, line) {
				return
			}
		}
	}
}

// handle executes one console line and reports whether to quit.
func (c *console) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	args := strings.Fields(line)

	switch args[0] {
	case "help":
		c.printHelp()
	case "status":
		c.printStatus()
	case "say":
		rest := strings.TrimSpace(strings.TrimPrefix(line, "say"))
		c.say(ctx, rest)
	case "start":
		streaming := c.cfg.Audio.Streaming
		if len(args) > 1 {
			switch args[1] {
			case "stream":
				streaming = true
			case "buffer":
				streaming = false
			default:
				fmt.Fprintln(c.out, "usage: start [stream|buffer]")
				return false
			}
		}
		if err := c.audio.StartVoice(streaming); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			return false
		}
		mode := "buffered"
		if streaming {
			mode = "streaming"
		}
		fmt.Fprintf(c.out, "recording (%s). 'stop' to finish.\n", mode)
	case "stop":
		c.stopVoice(ctx)
	case "join", "leave":
		if len(args) < 2 {
			fmt.Fprintf(c.out, "usage: %s <room>\n", args[0])
			return false
		}
		c.room(args[0], args[1])
	case "auth":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: auth <token>")
			return false
		}
		if err := c.channel.Authenticate(args[1]); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			return false
		}
		c.cfg.Server.Token = args[1]
		if err := config.Save(c.cfg); err != nil {
			fmt.Fprintf(c.out, "token set, but saving config failed: %v\n", err)
			return false
		}
		fmt.Fprintln(c.out, "token updated and saved")
	case "reconnect":
		c.connection.ReconnectNow()
		fmt.Fprintln(c.out, "reconnecting...")
	case "discover":
		c.printGateways(c.discovery.Scan())
	case "use":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: use <url>")
			return false
		}
		c.useGateway(args[1])
	case "history":
		limit := 20
		if len(args) > 1 {
			if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
				limit = n
			}
		}
		c.printHistory(ctx, limit)
	case "logs":
		limit := 20
		if len(args) > 1 {
			if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
				limit = n
			}
		}
		c.printLogs(limit)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(c.out, "unknown command %q. Type 'help'.\n", args[0])
	}
	return false
}

func (c *console) printHelp() {
	fmt.Fprint(c.out, `commands:
  status              show connection, recording and backend state
  say <command>       execute a command on the backend and wait
  start [stream|buffer]  begin a voice session
  stop                end the voice session (uploads when buffered)
  join <room>         subscribe to a backend room
  leave <room>        unsubscribe from a room
  auth <token>        replace the bearer token and save it
  reconnect           force a reconnect now
  discover            scan for gateways on localhost
  use <url>           save a gateway URL as the default server
  history [n]         show journaled events from past sessions
  logs [n]            show recent log entries from this session
  quit                exit
`)
}

func (c *console) printStatus() {
	snap := c.store.Snapshot()

	conn := string(snap.Connection.Phase)
	if snap.Connection.Attempt > 0 {
		conn += fmt.Sprintf(" (attempt %d)", snap.Connection.Attempt)
	}
	if snap.Connection.LastError != "" {
		conn += " - " + snap.Connection.LastError
	}
	fmt.Fprintf(c.out, "connection: %s\n", conn)

	rec := "idle"
	if snap.Recording.Active {
		rec = fmt.Sprintf("recording (streaming=%t, volume=%.2f)",
			snap.Recording.Streaming, snap.Recording.Volume)
	}
	fmt.Fprintf(c.out, "recording:  %s\n", rec)

	fmt.Fprintf(c.out, "system:     cpu %.1f%%  mem %.1f%%  disk %.1f%%  agents %d  uptime %.0fs\n",
		snap.System.CPUPercent, snap.System.MemoryPercent, snap.System.DiskPercent,
		snap.System.AgentsActive, snap.System.UptimeSeconds)

	if len(snap.Agents) > 0 {
		ids := make([]string, 0, len(snap.Agents))
		for id := range snap.Agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, id+"="+snap.Agents[id])
		}
		fmt.Fprintf(c.out, "agents:     %s\n", strings.Join(parts, " "))
	}

	if snap.LastTranscription != "" {
		fmt.Fprintf(c.out, "heard:      %q\n", snap.LastTranscription)
	}

	if n := len(snap.Notifications); n > 0 {
		fmt.Fprintln(c.out, "recent:")
		start := n - 5
		if start < 0 {
			start = 0
		}
		for _, note := range snap.Notifications[start:] {
			fmt.Fprintf(c.out, "  [%s] %s: %s\n",
				note.Time.Format("15:04:05"), note.Level, note.Message)
		}
	}
}

func (c *console) say(ctx context.Context, text string) {
	if text == "" {
		fmt.Fprintln(c.out, "usage: say <command>")
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	resp, err := c.commands.ExecuteAndWait(waitCtx, text)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "%s\n", resp.Response)
	if resp.ExecutionTime > 0 {
		fmt.Fprintf(c.out, "(took %.2fs)\n", resp.ExecutionTime)
	}
}

func (c *console) stopVoice(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	resp, err := c.audio.StopVoice(stopCtx)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	if resp != nil {
		fmt.Fprintf(c.out, "%s\n", resp.Response)
		return
	}
	fmt.Fprintln(c.out, "voice session ended")
}

func (c *console) room(verb, room string) {
	var err error
	if verb == "join" {
		err = c.channel.JoinRoom(room)
	} else {
		err = c.channel.LeaveRoom(room)
	}
	if err != nil {
		// The desired room set is updated either way and replays on the
		// next connect.
		fmt.Fprintf(c.out, "%s noted, will apply on connect (%v)\n", verb, err)
		return
	}
	fmt.Fprintf(c.out, "%s %s\n", verb, room)
}

func (c *console) printGateways(gateways []*discovery.Gateway) {
	if len(gateways) == 0 {
		fmt.Fprintln(c.out, "no gateways found")
		return
	}
	for _, gw := range gateways {
		line := fmt.Sprintf("%s  %s", gw.URL, gw.Status)
		if gw.Name != "" {
			line += fmt.Sprintf("  %s/%s", gw.Name, gw.Version)
		}
		if gw.Status == "online" {
			line += fmt.Sprintf("  %dms", gw.Latency)
		}
		if gw.RequiresAuth {
			line += "  (auth required)"
		}
		fmt.Fprintln(c.out, line)
	}
}

func (c *console) useGateway(url string) {
	c.cfg.Server.URL = url
	if err := config.Save(c.cfg); err != nil {
		fmt.Fprintf(c.out, "error saving config: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "default server set to %s (restart to apply)\n", url)
}

func (c *console) printHistory(ctx context.Context, limit int) {
	if c.journal == nil {
		fmt.Fprintln(c.out, "journal disabled")
		return
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	entries, err := c.journal.Recent(queryCtx, "", limit)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "no journaled events")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(c.out, "[%s] %-22s %s\n",
			e.CreatedAt.Local().Format("01-02 15:04:05"), e.Kind, string(e.Payload))
	}
}

func (c *console) printLogs(limit int) {
	entries := c.logger.GetHistory(limit)
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "no log entries yet")
		return
	}
	for _, e := range entries {
		component := e.Component
		if component == "" {
			component = "-"
		}
		fmt.Fprintf(c.out, "[%s] %-5s %-10s %s\n", e.Timestamp, e.Level, component, e.Message)
	}
}
