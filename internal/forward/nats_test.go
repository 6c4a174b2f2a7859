package forward

import (
	"Flownix/internal/model"
	"testing"
)

func TestOutboundIP(t *testing.T) {
	tests := []struct {
		url, want string
	}{
		{"nats://127.0.0.1:4222", "127.0.0.1"},
		{"not a url", model.None},
		{"nats://", model.None},
	}
	for _, tt := range tests {
		if got := outboundIP(tt.url); got != tt.want {
			t.Errorf("outboundIP(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestNATSSubscriber_NoHandlersAfterClose(t *testing.T) {
	s := &NATSSubscriber{log: quietLogger()}
	if !s.enter() {
		t.Fatal("handler should be admitted before Close")
	}
	s.wg.Done()

	s.Close()
	if s.enter() {
		t.Fatal("handler admitted after Close")
	}
}
