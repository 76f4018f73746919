//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/querydesk/internal/agent"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// startRedis starts a Redis testcontainer and returns its URL.
func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	testcontainers.CleanupContainer(t, container)
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func TestBusPublishAndHistory(t *testing.T) {
	bus, err := NewBus(startRedis(t), 100, zap.NewNop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer bus.Close()
	ctx := context.Background()

	step := &agent.Step{Thought: "count rows", Action: "execute_query", ActionInput: "SELECT COUNT(*) FROM student"}
	events := []agent.Event{
		{Type: agent.EventToken, Token: "Thought"},
		{Type: agent.EventThought, Step: step},
		{Type: agent.EventFinal, Answer: "5"},
	}
	for _, ev := range events {
		if err := bus.Publish(ctx, "s1", "t1", ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	recs, err := bus.History(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2 (tokens are not stored)", len(recs))
	}
	if recs[0].Event.Type != agent.EventThought || recs[0].Event.Step.Action != "execute_query" {
		t.Errorf("first record = %+v", recs[0].Event)
	}
	if recs[1].Event.Answer != "5" || recs[1].TurnID != "t1" {
		t.Errorf("second record = %+v", recs[1])
	}
}

func TestBusSubscribe(t *testing.T) {
	bus, err := NewBus(startRedis(t), 0, zap.NewNop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch := bus.Subscribe(ctx, "s2")

	// XREAD with "$" only sees entries added after the read starts
	time.Sleep(200 * time.Millisecond)
	if err := bus.Publish(ctx, "s2", "t1", agent.Event{Type: agent.EventFailed,
		Failure: &agent.Failure{Kind: agent.FailCancelled}}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case rec := <-ch:
		if rec.Event.Failure == nil || rec.Event.Failure.Kind != agent.FailCancelled {
			t.Errorf("record = %+v", rec.Event)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
