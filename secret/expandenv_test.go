package secret

import (
	"errors"
	"strings"
	"testing"
)

func TestExpandEnvStrict(t *testing.T) {
	t.Setenv("TIERCACHE_TEST_HOST", "cache")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
		missing string
	}{
		{name: "plain", in: "redis://localhost:6379", want: "redis://localhost:6379"},
		{name: "braced", in: "redis://${TIERCACHE_TEST_HOST}:6379", want: "redis://cache:6379"},
		{name: "dollar escape", in: "$$${TIERCACHE_TEST_HOST}", want: "$cache"},
		{name: "missing", in: "a=${TIERCACHE_TEST_HOST} b=${TIERCACHE_TEST_MISSING}", wantErr: ErrMissingEnv, missing: "TIERCACHE_TEST_MISSING"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnvStrict(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ExpandEnvStrict() error = %v, want %v", err, tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.missing) {
					t.Errorf("error %q should name %s", err, tt.missing)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExpandEnvStrict() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ExpandEnvStrict() = %q, want %q", got, tt.want)
			}
		})
	}
}
