package filter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

func accepted(t *testing.T, f *Filter, runs ...string) []string {
	t.Helper()

	var out []string
	for _, run := range runs {
		if f.Accept("sample", run) {
			out = append(out, run)
		}
	}

	return out
}

func TestFilter_IncludeRun(t *testing.T) {
	f, err := New(Patterns{IncludeRun: `^SRR1$`})
	require.NoError(t, err)

	assert.Equal(t, []string{"SRR1"}, accepted(t, f, "SRR1", "SRR2"))
}

func TestFilter_ExcludeWinsOverInclude(t *testing.T) {
	f, err := New(Patterns{IncludeRun: `^SRR1$`, ExcludeRun: `^SRR1$`})
	require.NoError(t, err)

	assert.Empty(t, accepted(t, f, "SRR1", "SRR2"))
	assert.Contains(t, f.Reason("sample", "SRR1"), "exclude pattern")
}

func TestFilter_NoRulesAcceptsEverything(t *testing.T) {
	f, err := New(Patterns{})
	require.NoError(t, err)

	assert.True(t, f.Empty())
	assert.Equal(t, []string{"SRR1", "SRR2"}, accepted(t, f, "SRR1", "SRR2"))
	assert.Empty(t, f.Reason("x", "y"))
}

func TestFilter_Combine(t *testing.T) {
	tests := []struct {
		name    string
		combine Combine
		sample  string
		run     string
		want    bool
	}{
		{name: "and both pass", combine: CombineAnd, sample: "liver_1", run: "SRR1", want: true},
		{name: "and sample fails", combine: CombineAnd, sample: "brain_1", run: "SRR1", want: false},
		{name: "and run fails", combine: CombineAnd, sample: "liver_1", run: "SRR9", want: false},
		{name: "or sample passes", combine: CombineOr, sample: "liver_1", run: "SRR9", want: true},
		{name: "or run passes", combine: CombineOr, sample: "brain_1", run: "SRR1", want: true},
		{name: "or both fail", combine: CombineOr, sample: "brain_1", run: "SRR9", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(Patterns{IncludeSample: `^liver`, IncludeRun: `^SRR1$`, Combine: tt.combine})
			require.NoError(t, err)

			assert.Equal(t, tt.want, f.Accept(tt.sample, tt.run))
		})
	}
}

func TestFilter_OrIgnoresUnruledField(t *testing.T) {
	f, err := New(Patterns{ExcludeRun: `^SRR2$`, Combine: CombineOr})
	require.NoError(t, err)

	assert.True(t, f.Accept("anything", "SRR1"))
	assert.False(t, f.Accept("anything", "SRR2"))
}

func TestNew_InvalidPattern(t *testing.T) {
	tests := []struct {
		name      string
		patterns  Patterns
		wantField string
	}{
		{name: "include sample", patterns: Patterns{IncludeSample: "("}, wantField: "filter-sample"},
		{name: "include run", patterns: Patterns{IncludeRun: "[a-"}, wantField: "filter-run"},
		{name: "exclude sample", patterns: Patterns{ExcludeSample: "*"}, wantField: "exclude-sample"},
		{name: "exclude run", patterns: Patterns{ExcludeRun: "(?P<"}, wantField: "exclude-run"},
		{name: "combine", patterns: Patterns{Combine: "xor"}, wantField: "filter-combine"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.patterns)
			require.Error(t, err)

			var cfgErr *transfer.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}
