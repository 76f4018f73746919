package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/querydesk/internal/agent"
	"github.com/nidhogg/querydesk/internal/session"
)

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *client) do(method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ensureSession returns id, or creates a session when id is empty.
func (c *client) ensureSession(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	var v session.View
	if err := c.do(http.MethodPost, "/api/sessions", struct{}{}, &v); err != nil {
		return "", err
	}
	return v.ID, nil
}

// ask runs a turn over the stream endpoint. With verbose set, the agent's
// thoughts and observations are printed as they arrive.
func (c *client) ask(id, question string, verbose bool) error {
	b, _ := json.Marshal(map[string]string{"message": question})
	resp, err := c.http.Post(c.base+"/api/sessions/"+id+"/turns/stream", "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := []byte(strings.TrimPrefix(line, "data: "))
			if err := c.handleStreamEvent(event, data, verbose); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

func (c *client) handleStreamEvent(event string, data []byte, verbose bool) error {
	switch event {
	case "outcome":
		var out struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("parse outcome: %w", err)
		}
		fmt.Printf("\033[36m[querydesk]\033[0m %s\n", out.Message)
	case "error":
		var e map[string]string
		_ = json.Unmarshal(data, &e)
		return fmt.Errorf("turn failed: %s", e["error"])
	case string(agent.EventToken), string(agent.EventFinal), string(agent.EventFailed):
		// shown by the outcome
	default:
		if !verbose {
			return nil
		}
		var ev agent.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("parse %s event: %w", event, err)
		}
		printEvent(ev)
	}
	return nil
}

func printEvent(ev agent.Event) {
	switch ev.Type {
	case agent.EventThought:
		if ev.Step != nil {
			fmt.Printf("\033[33mThought:\033[0m %s\n", ev.Step.Thought)
		}
	case agent.EventObservation:
		if ev.Step != nil {
			fmt.Printf("\033[35mAction:\033[0m %s %s\n", ev.Step.Action, ev.Step.ActionInput)
			fmt.Printf("\033[90mObservation:\033[0m %s\n", ev.Step.Observation)
		}
	case agent.EventFinal:
		fmt.Printf("\033[32mFinal Answer:\033[0m %s\n", ev.Answer)
	case agent.EventFailed:
		if ev.Failure != nil {
			fmt.Printf("\033[31m%s\033[0m\n", ev.Failure.Render())
		}
	}
}

func (c *client) printSchema(id string) error {
	var snap session.Schema
	if err := c.do(http.MethodGet, "/api/sessions/"+id+"/schema", nil, &snap); err != nil {
		return err
	}
	if len(snap.Names) == 0 {
		fmt.Println("No tables found.")
		return nil
	}
	for _, name := range snap.Names {
		fmt.Printf("\033[1m%s\033[0m\n", name)
		if msg, ok := snap.Errors[name]; ok {
			fmt.Printf("  \033[31m(%s)\033[0m\n", msg)
			continue
		}
		for _, col := range snap.Tables[name] {
			fmt.Printf("  %-24s %s\n", col.Name, col.Type)
		}
	}
	return nil
}

func (c *client) printHistory(id string) error {
	var v session.View
	if err := c.do(http.MethodGet, "/api/sessions/"+id, nil, &v); err != nil {
		return err
	}
	for _, m := range v.Messages {
		fmt.Printf("\033[90m%s\033[0m %-9s %s\n", m.Timestamp.Format("15:04:05"), m.Role, m.Content)
	}
	return nil
}

func (c *client) printQueries(id string) error {
	var queries []session.QueryLogEntry
	if err := c.do(http.MethodGet, "/api/sessions/"+id+"/queries", nil, &queries); err != nil {
		return err
	}
	fmt.Println("Recent queries:")
	for _, q := range queries {
		fmt.Printf("  %s  %s\n", q.Timestamp.Format("2006-01-02 15:04:05"), q.Query)
	}
	return nil
}

func (c *client) reset(id string) error {
	if err := c.do(http.MethodPost, "/api/sessions/"+id+"/reset", nil, nil); err != nil {
		return err
	}
	fmt.Println("History cleared.")
	return nil
}

func (c *client) printSamples() error {
	var samples map[string][]string
	if err := c.do(http.MethodGet, "/api/samples", nil, &samples); err != nil {
		return err
	}
	domains := make([]string, 0, len(samples))
	for d := range samples {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		fmt.Printf("%s:\n", d)
		for _, q := range samples[d] {
			fmt.Printf("  - %s\n", q)
		}
	}
	return nil
}
