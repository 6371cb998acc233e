package sessions

import "testing"

func TestBuildAndParseSessionKey(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		kind    PeerKind
		peer    string
		want    string
	}{
		{"direct", "whatsapp", PeerDirect, "34600111222", "whatsapp:direct:34600111222"},
		{"group", "whatsapp", PeerGroup, "120363@g.us", "whatsapp:group:120363@g.us"},
		{"peer with colon", "whatsapp", PeerDirect, "a:b", "whatsapp:direct:a:b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := BuildSessionKey(tt.channel, tt.kind, tt.peer)
			if key != tt.want {
				t.Fatalf("BuildSessionKey = %q, want %q", key, tt.want)
			}
			ch, kind, peer, ok := ParseSessionKey(key)
			if !ok || ch != tt.channel || kind != tt.kind || peer != tt.peer {
				t.Errorf("ParseSessionKey(%q) = %q %q %q %v", key, ch, kind, peer, ok)
			}
		})
	}
}

func TestParseSessionKey_Malformed(t *testing.T) {
	for _, key := range []string{"", "whatsapp", "whatsapp:direct", "whatsapp:dm:1", ":direct:1", "whatsapp:direct:"} {
		if _, _, _, ok := ParseSessionKey(key); ok {
			t.Errorf("ParseSessionKey(%q) ok = true", key)
		}
	}
}

func TestBuildDirectKey(t *testing.T) {
	if got := BuildDirectKey("whatsapp", "1"); got != "whatsapp:direct:1" {
		t.Errorf("BuildDirectKey = %q", got)
	}
	if PeerKindFromGroup(true) != PeerGroup || PeerKindFromGroup(false) != PeerDirect {
		t.Error("PeerKindFromGroup mismatch")
	}
}
