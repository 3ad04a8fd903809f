package services

import (
	"testing"
	"time"

	"aiops/internal/models"
)

func TestEventHub_BroadcastAndFilter(t *testing.T) {
	hub := NewEventHub()
	go hub.Run()

	all := &EventClient{ID: "all", TicketID: 0, Send: make(chan OperationEvent, 8), Hub: hub}
	onlyTwo := &EventClient{ID: "two", TicketID: 2, Send: make(chan OperationEvent, 8), Hub: hub}
	hub.register <- all
	hub.register <- onlyTwo

	// 等注册被 Run 协程消费
	deadline := time.Now().Add(time.Second)
	for hub.GetClientCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients not registered in time")
		}
		time.Sleep(time.Millisecond)
	}

	op := &models.AIOperation{
		ID:       "op-1",
		TicketID: 1,
		Type:     models.OpSummarizeTicket,
		Status:   models.StatusCompleted,
	}
	hub.Publish(EventOperationCompleted, op)

	select {
	case event := <-all.Send:
		if event.OperationID != "op-1" || event.Type != EventOperationCompleted {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}

	select {
	case event := <-onlyTwo.Send:
		t.Fatalf("subscriber for ticket 2 must not see ticket 1 events, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventHub_PublishNilSafe(t *testing.T) {
	var hub *EventHub
	// nil hub 与 nil 操作都必须安全
	hub.Publish(EventOperationStarted, &models.AIOperation{})
	NewEventHub().Publish(EventOperationStarted, nil)
}
