package snowflake

import (
	"errors"
	"testing"
)

func TestToUnixMs(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    int64
		wantErr bool
	}{
		{
			// 175928847299117063 >> 22 = 41944705796, + epoch = 1462015105796
			name: "known snowflake",
			id:   "175928847299117063",
			want: 1462015105796,
		},
		{
			name:    "not a number",
			id:      "abc",
			wantErr: true,
		},
		{
			name:    "empty",
			id:      "",
			wantErr: true,
		},
		{
			name:    "zero",
			id:      "0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToUnixMs(tt.id)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSnowflake) {
					t.Fatalf("expected ErrInvalidSnowflake, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToUnixMs() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ToUnixMs() = %d, want %d", got, tt.want)
			}
		})
	}
}
