package events_test

import (
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/broker/internal/events"
	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
)

func TestBus_TenantFilter(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	acme, cancelAcme := bus.Subscribe("acme")
	defer cancelAcme()
	all, cancelAll := bus.Subscribe("")
	defer cancelAll()

	bus.Emit(contracts.EventSessionConnected, "acme", "s1", nil)
	bus.Emit(contracts.EventSessionConnected, "globex", "s2", nil)

	got := receive(t, acme)
	if got.Tenant != "acme" {
		t.Errorf("tenant subscriber got event for %q", got.Tenant)
	}
	select {
	case ev := <-acme:
		t.Errorf("tenant subscriber got extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if first := receive(t, all); first.Tenant != "acme" {
		t.Errorf("wildcard subscriber first event tenant = %q, want acme", first.Tenant)
	}
	if second := receive(t, all); second.Tenant != "globex" {
		t.Errorf("wildcard subscriber second event tenant = %q, want globex", second.Tenant)
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	// Nobody drains this subscriber; publishing far past its buffer must
	// still return.
	_, cancel := bus.Subscribe("acme")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Emit(contracts.EventMessageQueued, "acme", "s1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe("acme")
	cancel()
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Emit(contracts.EventSessionConnected, "acme", "s1", nil)
}

func receive(t *testing.T, ch <-chan contracts.BrokerEvent) contracts.BrokerEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return contracts.BrokerEvent{}
	}
}
