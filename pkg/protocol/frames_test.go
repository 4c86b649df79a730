package protocol

import "testing"

func TestParseFrameType(t *testing.T) {
	typ, err := ParseFrameType([]byte(`{"type":"res","id":"1","ok":true}`))
	if err != nil {
		t.Fatalf("ParseFrameType: %v", err)
	}
	if typ != FrameTypeResponse {
		t.Errorf("type = %q, want %q", typ, FrameTypeResponse)
	}

	if _, err := ParseFrameType([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestResponseAccepted(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"accepted", `{"status":"accepted"}`, true},
		{"final", `{"status":"done"}`, false},
		{"no status", `{"foo":1}`, false},
		{"empty", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ResponseFrame{OK: true}
			if tt.payload != "" {
				r.Payload = []byte(tt.payload)
			}
			if got := r.Accepted(); got != tt.want {
				t.Errorf("Accepted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewConnectParams(t *testing.T) {
	p := NewConnectParams("crawd-1", "0.3.0", "secret", []string{"talk"})
	if p.MinProtocolVersion != ProtocolVersion || p.MaxProtocolVersion != ProtocolVersion {
		t.Errorf("version range = [%d,%d], want pinned to %d",
			p.MinProtocolVersion, p.MaxProtocolVersion, ProtocolVersion)
	}
	if p.Client.Platform != "node" || p.Client.Mode != "backend" {
		t.Errorf("client identity = %+v", p.Client)
	}
	if p.Auth == nil || p.Auth.Token != "secret" {
		t.Errorf("auth = %+v, want token carried", p.Auth)
	}

	anon := NewConnectParams("crawd-1", "0.3.0", "", nil)
	if anon.Auth != nil {
		t.Errorf("auth = %+v, want nil without token", anon.Auth)
	}
}

func TestAgentResultTexts(t *testing.T) {
	r := AgentResult{Payloads: []AgentPayload{{Text: "one"}, {Text: ""}, {Text: "two"}}}
	got := r.Texts()
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("Texts() = %v, want [one two]", got)
	}
}
