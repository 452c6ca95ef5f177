package nostr

import "testing"

func TestParseEventFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"plain event", `["EVENT", {"id":"e1","sender":"a","recipient":"b","content":"hi","created_at":1}]`, true},
		{"subscription tagged", `["EVENT", "sub-1", {"id":"e2","sender":"a","content":"hi"}]`, true},
		{"eose", `["EOSE", "sub-1"]`, false},
		{"notice", `["NOTICE", "slow down"]`, false},
		{"missing id", `["EVENT", {"sender":"a","content":"hi"}]`, false},
		{"not an array", `{"id":"e1"}`, false},
		{"short array", `["EVENT"]`, false},
		{"not json", `garbage`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, ok := parseEventFrame([]byte(tt.raw))
			if ok != tt.want {
				t.Fatalf("ok = %v, want %v", ok, tt.want)
			}
			if ok && event.ID == "" {
				t.Error("parsed event has empty ID")
			}
		})
	}
}

func TestParseEventFrameFields(t *testing.T) {
	raw := `["EVENT", {"id":"e9","sender":"alice-id","recipient":"bob-id","content":"bitchat1:abc","created_at":1724900000}]`

	event, ok := parseEventFrame([]byte(raw))
	if !ok {
		t.Fatal("frame did not parse")
	}
	if event.Sender != "alice-id" || event.Recipient != "bob-id" {
		t.Errorf("addressing = %q -> %q", event.Sender, event.Recipient)
	}
	if event.Content != "bitchat1:abc" {
		t.Errorf("content = %q", event.Content)
	}
	if event.CreatedAt != 1724900000 {
		t.Errorf("created_at = %d", event.CreatedAt)
	}
}
