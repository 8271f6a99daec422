package dim_test

import (
	"errors"
	"testing"

	"github.com/mr-tron/base58"

	"github.com/dims-network/station/internal/dim"
)

func TestParseID(t *testing.T) {
	t.Parallel()

	userAddr := base58.Encode([]byte{0x08, 0x01, 0x02, 0x03})
	groupAddr := base58.Encode([]byte{0x10, 0x01, 0x02, 0x03})
	stationAddr := base58.Encode([]byte{0x88, 0x01, 0x02, 0x03})

	tests := []struct {
		name     string
		input    string
		wantName string
		wantAddr string
		wantTerm string
		wantKind dim.Kind
	}{
		{
			name:     "user with name",
			input:    "moky@" + userAddr,
			wantName: "moky",
			wantAddr: userAddr,
			wantKind: dim.KindUser,
		},
		{
			name:     "user with terminal",
			input:    "moky@" + userAddr + "/desktop",
			wantName: "moky",
			wantAddr: userAddr,
			wantTerm: "desktop",
			wantKind: dim.KindUser,
		},
		{
			name:     "group",
			input:    "polylogue@" + groupAddr,
			wantName: "polylogue",
			wantAddr: groupAddr,
			wantKind: dim.KindGroup,
		},
		{
			name:     "station",
			input:    "gsp@" + stationAddr,
			wantName: "gsp",
			wantAddr: stationAddr,
			wantKind: dim.KindStation,
		},
		{
			name:     "broadcast anyone",
			input:    "anyone@anywhere",
			wantName: "anyone",
			wantAddr: "anywhere",
			wantKind: dim.KindBroadcast,
		},
		{
			name:     "bare broadcast address",
			input:    "everywhere",
			wantAddr: "everywhere",
			wantKind: dim.KindBroadcast,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			id, err := dim.ParseID(tt.input)
			if err != nil {
				t.Fatalf("ParseID(%q) error: %v", tt.input, err)
			}
			if id.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", id.Name, tt.wantName)
			}
			if id.Address != tt.wantAddr {
				t.Errorf("Address = %q, want %q", id.Address, tt.wantAddr)
			}
			if id.Terminal != tt.wantTerm {
				t.Errorf("Terminal = %q, want %q", id.Terminal, tt.wantTerm)
			}
			if id.Kind() != tt.wantKind {
				t.Errorf("Kind = %v, want %v", id.Kind(), tt.wantKind)
			}
			if id.String() != tt.input {
				t.Errorf("String() = %q, want round-trip %q", id.String(), tt.input)
			}
		})
	}
}

func TestParseIDErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "empty", input: "", wantErr: dim.ErrEmptyID},
		{name: "missing address", input: "moky@", wantErr: dim.ErrMissingAddress},
		{name: "bad base58", input: "moky@0OIl", wantErr: dim.ErrBadAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := dim.ParseID(tt.input); !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseID(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestKindRouting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind      dim.Kind
		isUser    bool
		isGroup   bool
		isStation bool
	}{
		{kind: dim.KindUser, isUser: true},
		{kind: dim.KindBot, isUser: true},
		{kind: dim.KindStation, isUser: true, isStation: true},
		{kind: dim.KindGroup, isGroup: true},
		{kind: dim.KindChatroom, isGroup: true},
		{kind: dim.KindBroadcast},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			t.Parallel()

			if got := tt.kind.IsUser(); got != tt.isUser {
				t.Errorf("IsUser() = %v, want %v", got, tt.isUser)
			}
			if got := tt.kind.IsGroup(); got != tt.isGroup {
				t.Errorf("IsGroup() = %v, want %v", got, tt.isGroup)
			}
			if got := tt.kind.IsStation(); got != tt.isStation {
				t.Errorf("IsStation() = %v, want %v", got, tt.isStation)
			}
		})
	}
}

func TestIDEqualIgnoresTerminal(t *testing.T) {
	t.Parallel()

	addr := base58.Encode([]byte{0x08, 0x01, 0x02, 0x03})
	desktop := mustID(t, "moky@"+addr+"/desktop")
	mobile := mustID(t, "moky@"+addr+"/mobile")

	if !desktop.Equal(mobile) {
		t.Error("same account on two terminals should be Equal")
	}
	if desktop.Routing() != "moky@"+addr {
		t.Errorf("Routing() = %q, want %q", desktop.Routing(), "moky@"+addr)
	}
}
