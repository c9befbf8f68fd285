package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/stefanvoss/taskbridge/internal/engine"
	"github.com/stefanvoss/taskbridge/internal/model"
)

type stubStatus struct{}

func (stubStatus) Status(context.Context) (*engine.Status, error) {
	return &engine.Status{
		MappingCounts: map[model.SyncStatus]int{model.StatusSynced: 3},
		AuditOutcomes: map[model.AuditOutcome]int{model.AuditOK: 5},
	}, nil
}

func testServer(t *testing.T, status StatusProvider) *Server {
	t.Helper()

	server := NewServer(status, &Config{
		Port:   0, // random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

func TestServerStartStop(t *testing.T) {
	server := testServer(t, nil)

	if addr := server.GetAddr(); addr == "" {
		t.Fatal("Server address is empty")
	}
}

func TestAuditBroadcast(t *testing.T) {
	server := testServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	// An audit entry recorded by the engine reaches the client
	server.AuditRecorded(model.AuditEntry{
		Timestamp:  time.Now().UTC(),
		Direction:  model.DirectionCRMToList,
		Action:     model.AuditActionCreate,
		CRMTaskID:  501,
		ListTaskID: "item-1",
		Outcome:    model.AuditOK,
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeAudit {
		t.Errorf("Expected message type %s, got %s", MessageTypeAudit, msg.Type)
	}

	var entry model.AuditEntry
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		t.Fatalf("Failed to unmarshal audit payload: %v", err)
	}
	if entry.CRMTaskID != 501 {
		t.Errorf("CRMTaskID = %d, want 501", entry.CRMTaskID)
	}
}

func TestCycleBroadcast(t *testing.T) {
	server := testServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	server.CycleFinished(model.DirectionListToCRM, 4, 250*time.Millisecond)

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeCycle {
		t.Errorf("Expected message type %s, got %s", MessageTypeCycle, msg.Type)
	}

	var cycle CycleData
	if err := json.Unmarshal(msg.Data, &cycle); err != nil {
		t.Fatalf("Failed to unmarshal cycle payload: %v", err)
	}
	if cycle.Synced != 4 || cycle.Direction != model.DirectionListToCRM {
		t.Errorf("cycle = %+v", cycle)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := testServer(t, stubStatus{})

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}

	var snapshot engine.Status
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if snapshot.MappingCounts[model.StatusSynced] != 3 {
		t.Errorf("MappingCounts = %+v", snapshot.MappingCounts)
	}
}

func TestStatusEndpoint_NoProvider(t *testing.T) {
	server := testServer(t, nil)

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := testServer(t, nil)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
}
