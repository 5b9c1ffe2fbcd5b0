package authz

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qim/internal/store"
)

type participants map[string]bool

func (p participants) IsParticipant(_ context.Context, ref store.Ref, identity string) (bool, error) {
	if identity == "broken" {
		return false, fmt.Errorf("store down")
	}
	return p[ref.Conversation+"/"+identity], nil
}

type roles map[string]string

func (r roles) GetRole(_ context.Context, identity string) (string, error) {
	if identity == "flaky" {
		return "", fmt.Errorf("timeout")
	}
	role, ok := r[identity]
	if !ok {
		return "", store.ErrNotFound
	}
	return role, nil
}

func TestAuthorizer_HasAccess(t *testing.T) {
	ref := store.Ref{Workspace: "ws", Tenant: "t", Conversation: "c1"}
	a, err := New(
		participants{"c1/alice": true, "c1/flaky": true},
		roles{"alice": "customer", "boss": "supervisor", "bob": "agent"},
		[]string{"admin", "supervisor"},
		nil,
	)
	require.NoError(t, err)

	tests := []struct {
		name     string
		identity string
		ref      store.Ref
		want     bool
		wantErr  bool
	}{
		{"participant", "alice", ref, true, false},
		{"non participant", "bob", ref, false, false},
		{"elevated role", "boss", ref, true, false},
		{"unknown identity", "ghost", ref, false, false},
		{"role lookup fails falls back", "flaky", ref, true, false},
		{"store error", "broken", ref, false, true},
		{"empty identity", "", ref, false, false},
		{"invalid ref", "alice", store.Ref{Conversation: "c1"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := a.HasAccess(context.Background(), tt.identity, tt.ref, "join")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestNew_RequiresParticipants(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	assert.Error(t, err)
}
