package engine

import (
	"testing"
)

func TestParseToolArgs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantKey string
		wantVal interface{}
		wantErr bool
	}{
		{"valid", `{"path": "x.txt"}`, "path", "x.txt", false},
		{"empty is empty map", "", "", nil, false},
		{"truncated string", `{"reason": "waiting for wor`, "reason", "waiting for wor", false},
		{"truncated object", `{"duration": 5, "reason": "poll"`, "duration", float64(5), false},
		{"trailing comma", `{"a": 1,`, "a", float64(1), false},
		{"dangling key", `{"a": 1, "b":`, "b", nil, false},
		{"nested truncation", `{"filter": {"ids": [1, 2`, "filter", nil, false},
		{"hopeless", `not json at all {{{`, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := ParseToolArgs(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("want error, got %v", args)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantKey == "" {
				return
			}
			got, ok := args[tt.wantKey]
			if !ok {
				t.Fatalf("key %q missing: %v", tt.wantKey, args)
			}
			if tt.wantVal != nil && got != tt.wantVal {
				t.Fatalf("args[%q] = %v, want %v", tt.wantKey, got, tt.wantVal)
			}
		})
	}
}

func TestRepairJSONLeavesValidInputAlone(t *testing.T) {
	in := `{"a": [1, 2], "b": "x}"}`
	if out := RepairJSON(in); out != in {
		t.Fatalf("valid JSON rewritten: %s", out)
	}
}

func TestRepairJSONEscapedQuote(t *testing.T) {
	args, err := ParseToolArgs(`{"msg": "say \"hi`)
	if err != nil {
		t.Fatal(err)
	}
	if args["msg"] != `say "hi` {
		t.Fatalf("msg = %q", args["msg"])
	}
}
