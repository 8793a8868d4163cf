package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateTime(t *testing.T) {
	est := time.FixedZone("EST", -5*60*60)

	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "2024-06-01", want: time.Date(2024, 6, 1, 0, 0, 0, 0, est)},
		{input: "2024-06-01T10:30", want: time.Date(2024, 6, 1, 10, 30, 0, 0, est)},
		{input: "2024-06-01T10:30:15", want: time.Date(2024, 6, 1, 10, 30, 15, 0, est)},
		{input: "2024-06-01T10:30:15.250", want: time.Date(2024, 6, 1, 10, 30, 15, 250_000_000, est)},
		{input: "2024-06-01T10:30:15Z", want: time.Date(2024, 6, 1, 10, 30, 15, 0, time.UTC)},
		{input: "2024-06-01T10:30:15+02:00", want: time.Date(2024, 6, 1, 8, 30, 15, 0, time.UTC)},
		{input: "yesterday", wantErr: true},
		{input: "2024-13-01", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDateTime(tt.input, est)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}
