package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"720h", 720 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"1w2d12h", 9*24*time.Hour + 12*time.Hour, false},
		{"1.5d", 36 * time.Hour, false},
		{"-1d", -24 * time.Hour, false},
		{"", 0, true},
		{"forever", 0, true},
		{"1x", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got.Duration())
		})
	}
}

func TestDurationString(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0s"},
		{30 * time.Second, "30s"},
		{24 * time.Hour, "1d"},
		{7 * 24 * time.Hour, "1w"},
		{9*24*time.Hour + 12*time.Hour, "1w2d12h0m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, Duration(tt.duration).String())
		})
	}
}

func TestDurationJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Retention Duration `json:"retention"`
	}

	var decoded wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"retention":"30d"}`), &decoded))
	assert.Equal(t, 30*24*time.Hour, decoded.Retention.Duration())

	// Raw numbers still decode as nanoseconds.
	require.NoError(t, json.Unmarshal([]byte(`{"retention":1000000000}`), &decoded))
	assert.Equal(t, time.Second, decoded.Retention.Duration())

	data, err := json.Marshal(wrapper{Retention: Duration(24 * time.Hour)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"retention":"1d"}`, string(data))
}
