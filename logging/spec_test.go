package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantBase   Level
		wantComps  map[string]Level
		errContain string
	}{
		{name: "empty string defaults to info", input: "", wantBase: LevelInfo},
		{name: "base level only", input: "debug", wantBase: LevelDebug},
		{
			name:      "component overrides",
			input:     "warn,tagging=debug,sockdiag=trace",
			wantBase:  LevelWarn,
			wantComps: map[string]Level{"tagging": LevelDebug, "sockdiag": LevelTrace},
		},
		{
			name:      "whitespace",
			input:     "  info , reconciler = debug  ",
			wantBase:  LevelInfo,
			wantComps: map[string]Level{"reconciler": LevelDebug},
		},
		{
			name:      "component only",
			input:     "loader=debug",
			wantBase:  LevelInfo,
			wantComps: map[string]Level{"loader": LevelDebug},
		},
		{
			name:      "empty parts are skipped",
			input:     "info,,registry=debug,",
			wantBase:  LevelInfo,
			wantComps: map[string]Level{"registry": LevelDebug},
		},
		{name: "invalid base level", input: "loud", errContain: "unknown log level"},
		{name: "invalid component level", input: "info,tagging=loud", errContain: "invalid level for component"},
		{name: "base level not first", input: "tagging=debug,info", errContain: "must be first"},
		{name: "empty component name", input: "info,=debug", errContain: "empty component name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseSpec(tt.input)
			if tt.errContain != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBase, spec.BaseLevel)
			if tt.wantComps == nil {
				assert.Empty(t, spec.Components)
			} else {
				assert.Equal(t, tt.wantComps, spec.Components)
			}
		})
	}
}

func TestSpecStringIsSortedAndParseable(t *testing.T) {
	spec, err := ParseSpec("warn,tagging=debug,controller=trace,loader=error")
	require.NoError(t, err)

	assert.Equal(t, "warn,controller=trace,loader=error,tagging=debug", spec.String())

	again, err := ParseSpec(spec.String())
	require.NoError(t, err)
	assert.Equal(t, spec, again)
}

func TestLevelFor(t *testing.T) {
	spec := Spec{BaseLevel: LevelWarn, Components: map[string]Level{"tagging": LevelDebug}}
	assert.Equal(t, LevelDebug, spec.LevelFor("tagging"))
	assert.Equal(t, LevelWarn, spec.LevelFor("registry"))
	assert.Equal(t, LevelWarn, spec.LevelFor(""))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{" info ", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"err", LevelError, false},
		{"", LevelInfo, true},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
