package comm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  alice ", "alice", false},
		{"", "", true},
		{"   ", "", true},
		{"abcdefghijklmnopqrstuvwxyz", "abcdefghijklmnopqrst", false},
		{"ñañañañañañañañañañañaña", "ñañañañañañañañañaña", false},
	}
	for _, tt := range tests {
		got, err := CleanName(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrEmptyName)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewMessage(t *testing.T) {
	m, err := NewMessage(TypeCreated, CreatedData{Code: "ABC234"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"created","data":{"code":"ABC234"}}`, mustJSON(t, m))

	m, err = NewMessage(TypeLeaveRoom, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"leave-room"}`, mustJSON(t, m))

	assert.JSONEq(t, `{"type":"error","data":{"error":"boom"}}`, mustJSON(t, ErrorMessage("boom")))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
