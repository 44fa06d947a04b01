package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestEmitToListener(t *testing.T) {
	e := NewEmitter(nil)

	var got []Event
	e.Listen(func(evt Event) { got = append(got, evt) })

	e.Emit(context.Background(), "tenant-001", domain.TopicDecisionMade, map[string]string{"id": "d-1"})

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Topic != domain.TopicDecisionMade || got[0].TenantID != "tenant-001" {
		t.Errorf("unexpected event: %+v", got[0])
	}

	var data map[string]string
	if err := json.Unmarshal(got[0].Data, &data); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	if data["id"] != "d-1" {
		t.Errorf("expected id d-1, got %s", data["id"])
	}
}

func TestEmitDefaultsToSystemTenant(t *testing.T) {
	e := NewEmitter(nil)

	var tenant string
	e.Listen(func(evt Event) { tenant = evt.TenantID })
	e.Emit(context.Background(), "", domain.TopicEngineInitialized, nil)

	if tenant != domain.SystemTenantID {
		t.Errorf("expected %s, got %s", domain.SystemTenantID, tenant)
	}
}

func TestEmitSurvivesPanickingListener(t *testing.T) {
	e := NewEmitter(nil)

	called := false
	e.Listen(func(Event) { panic("listener bug") })
	e.Listen(func(Event) { called = true })

	e.Emit(context.Background(), "tenant-001", domain.TopicDecisionFailed, nil)

	if !called {
		t.Error("expected second listener to run")
	}
}

func TestEmitToBus(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	var mu sync.Mutex
	var received []*domain.Message

	_, err := b.Subscribe(context.Background(), "tenant-001", domain.TopicDecisionEscalated, func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	NewEmitter(b).Emit(context.Background(), "tenant-001", domain.TopicDecisionEscalated, map[string]float64{"confidence": 0.6})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 message, got %d", len(received))
	}

	var evt Event
	if err := json.Unmarshal(received[0].Payload, &evt); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if evt.Topic != domain.TopicDecisionEscalated {
		t.Errorf("unexpected topic %s", evt.Topic)
	}
}

func TestNilEmitter(t *testing.T) {
	var e *Emitter
	e.Emit(context.Background(), "tenant-001", domain.TopicDecisionMade, nil)
}
