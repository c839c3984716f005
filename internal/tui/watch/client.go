package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/workq/internal/events"
	"github.com/mattjoyce/workq/internal/server"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
	Waiting       int    `json:"waiting"`
}

type statusMsg server.Status

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

var pollClient = &http.Client{Timeout: 2 * time.Second}

// --- Commands ---

// subscribeToEvents reads the SSE /events endpoint into ch, resuming after
// lastID. It returns sseDisconnectedMsg when the stream ends.
func subscribeToEvents(ctx context.Context, apiURL string, lastID func() int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		url := fmt.Sprintf("%s/events?since=%d", apiURL, lastID())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return errMsg(err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.Idle {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		readSSE(ctx, bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

func readSSE(ctx context.Context, scanner *bufio.Scanner, ch chan<- events.Event) {
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.Data != nil {
				current.At = time.Now()
				select {
				case ch <- current:
				case <-ctx.Done():
					return
				}
			}
			current = events.Event{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(apiURL string) tea.Msg {
	var h healthMsg
	if err := getJSON(apiURL+"/healthz", &h); err != nil {
		return errMsg(err)
	}
	return h
}

func fetchStatus(apiURL string) tea.Msg {
	var st server.Status
	if err := getJSON(apiURL+"/status", &st); err != nil {
		return errMsg(err)
	}
	return statusMsg(st)
}

func getJSON(url string, v any) error {
	resp, err := pollClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.Idle {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
