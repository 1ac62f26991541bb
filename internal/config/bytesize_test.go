package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"5242880", 5242880, false},
		{"500KB", 500 * 1024, false},
		{"5MB", 5 * 1024 * 1024, false},
		{"1.5GB", 1536 * 1024 * 1024, false},
		{"2TB", 2 << 40, false},
		{"10 MB", 10 * 1024 * 1024, false},
		{"64MiB", 64 * 1024 * 1024, false},
		{"100B", 100, false},
		{"", 0, true},
		{"-5MB", 0, true},
		{"-100", 0, true},
		{"lots", 0, true},
		{"MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got.Bytes())
		})
	}
}

func TestByteSizeString(t *testing.T) {
	tests := []struct {
		size     ByteSize
		expected string
	}{
		{0, "0"},
		{512, "512"},
		{1024, "1KB"},
		{5 * 1024 * 1024, "5MB"},
		{2 << 30, "2GB"},
		{3 << 40, "3TB"},
		{1536, "1536"}, // 1.5KB is not a whole unit multiple, prints raw
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.size.String())
		})
	}
}

func TestByteSizeJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Size ByteSize `json:"size"`
	}

	data, err := json.Marshal(wrapper{Size: 5 * 1024 * 1024})
	require.NoError(t, err)
	assert.JSONEq(t, `{"size":"5MB"}`, string(data))

	var decoded wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"size":"500KB"}`), &decoded))
	assert.Equal(t, int64(500*1024), decoded.Size.Bytes())

	// Raw numbers still decode as byte counts.
	require.NoError(t, json.Unmarshal([]byte(`{"size":12345}`), &decoded))
	assert.Equal(t, int64(12345), decoded.Size.Bytes())
}
