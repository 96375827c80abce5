package models

import "testing"

func TestEventHidden(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
		want    bool
	}{
		{"nil payload", nil, false},
		{"no flag", map[string]interface{}{"content": "hi"}, false},
		{"top-level hidden", map[string]interface{}{"hidden": true}, true},
		{"top-level hidden false", map[string]interface{}{"hidden": false}, false},
		{"hidden not a bool", map[string]interface{}{"hidden": "true"}, false},
		{"extras hidden", map[string]interface{}{"extras": map[string]interface{}{"hidden": true}}, true},
		{"extras hidden false", map[string]interface{}{"extras": map[string]interface{}{"hidden": false}}, false},
		{"extras wrong shape", map[string]interface{}{"extras": "hidden"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Event{Payload: tt.payload}
			if got := e.Hidden(); got != tt.want {
				t.Errorf("Hidden() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuntimeInstanceApply_Authoritative(t *testing.T) {
	r := &RuntimeInstance{
		RuntimeID: "rt-1",
		URL:       "http://old",
		Hosts:     map[string]string{"app": "http://app.old"},
		Providers: []string{"github"},
	}

	r.Apply(&RuntimeInstance{
		RuntimeID: "rt-2",
		URL:       "http://new",
		Hosts:     map[string]string{"vscode": "http://vscode.new"},
	})

	if r.RuntimeID != "rt-2" || r.URL != "http://new" {
		t.Errorf("expected full replace, got %+v", r)
	}
	if _, ok := r.Hosts["app"]; ok {
		t.Error("expected hosts to be replaced, not merged")
	}
	if len(r.Providers) != 0 {
		t.Errorf("expected providers replaced with empty set, got %v", r.Providers)
	}
}

func TestRuntimeInstanceApply_PlaceholderBackfillsOnly(t *testing.T) {
	r := &RuntimeInstance{
		RuntimeID: "rt-1",
		Hosts:     map[string]string{"app": "http://app"},
	}

	r.Apply(&RuntimeInstance{
		RuntimeID:     "fake-rt",
		URL:           "http://placeholder",
		SessionAPIKey: "fake-key",
		Hosts:         map[string]string{"x": "http://x"},
		Placeholder:   true,
	})

	if r.RuntimeID != "rt-1" {
		t.Errorf("placeholder must not overwrite runtime id, got %q", r.RuntimeID)
	}
	if r.URL != "http://placeholder" {
		t.Errorf("placeholder should backfill empty url, got %q", r.URL)
	}
	if r.SessionAPIKey != "fake-key" {
		t.Errorf("placeholder should backfill empty session key, got %q", r.SessionAPIKey)
	}
	if r.Hosts["app"] != "http://app" {
		t.Error("placeholder must not replace known hosts")
	}
	if r.Placeholder {
		t.Error("placeholder update must not demote an authoritative instance")
	}
}

func TestRuntimeInstanceApply_PlaceholderMarksFreshInstance(t *testing.T) {
	r := &RuntimeInstance{ConversationID: "c1", Hosts: map[string]string{}}

	r.Apply(&RuntimeInstance{
		RuntimeID:     "placeholder-rt",
		SessionAPIKey: "fake-key",
		Placeholder:   true,
	})

	if !r.Placeholder {
		t.Error("instance synthesized from a placeholder update must carry the placeholder flag")
	}

	// An authoritative update clears the flag again.
	r.Apply(&RuntimeInstance{RuntimeID: "rt-real", URL: "http://real"})
	if r.Placeholder {
		t.Error("authoritative update must clear the placeholder flag")
	}
}

func TestConversationClone(t *testing.T) {
	c := &Conversation{
		ID:      "conv-1",
		Status:  StatusRunning,
		Version: 3,
		Runtime: &RuntimeInstance{
			Hosts: map[string]string{"app": "http://app"},
		},
	}

	cp := c.Clone()
	cp.Status = StatusStopped
	cp.Runtime.Hosts["app"] = "http://changed"

	if c.Status != StatusRunning {
		t.Error("clone mutation leaked into original status")
	}
	if c.Runtime.Hosts["app"] != "http://app" {
		t.Error("clone mutation leaked into original hosts")
	}
}

func TestEnsureRuntime(t *testing.T) {
	c := &Conversation{ID: "conv-1"}
	r := c.EnsureRuntime()
	if r == nil {
		t.Fatal("expected runtime instance")
	}
	if r.ConversationID != "conv-1" {
		t.Errorf("expected conversation id to be set, got %q", r.ConversationID)
	}
	if c.EnsureRuntime() != r {
		t.Error("expected ensure to be idempotent")
	}
}
