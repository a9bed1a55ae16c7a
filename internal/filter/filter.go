// Package filter decides which runs take part in a transfer based on regular expressions
// over the sample title and the run accession.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

// Combine selects how the sample and run checks are joined.
type Combine string

const (
	CombineAnd Combine = "and"
	CombineOr  Combine = "or"
)

// Patterns holds the raw expressions. Empty strings are unset.
type Patterns struct {
	IncludeSample string
	IncludeRun    string
	ExcludeSample string
	ExcludeRun    string
	Combine       Combine
}

// Filter is an immutable, compiled set of rules and is safe for concurrent use.
type Filter struct {
	includeSample *regexp.Regexp
	includeRun    *regexp.Regexp
	excludeSample *regexp.Regexp
	excludeRun    *regexp.Regexp
	combine       Combine
}

// New compiles the patterns. An invalid expression yields a *transfer.ConfigurationError.
func New(p Patterns) (*Filter, error) {
	f := &Filter{combine: p.Combine}

	switch strings.ToLower(string(f.combine)) {
	case "", string(CombineAnd):
		f.combine = CombineAnd
	case string(CombineOr):
		f.combine = CombineOr
	default:
		return nil, &transfer.ConfigurationError{
			Field:  "filter-combine",
			Reason: fmt.Sprintf("unknown combination %q, expected and|or", p.Combine),
		}
	}

	var err error

	if f.includeSample, err = compile("filter-sample", p.IncludeSample); err != nil {
		return nil, err
	}

	if f.includeRun, err = compile("filter-run", p.IncludeRun); err != nil {
		return nil, err
	}

	if f.excludeSample, err = compile("exclude-sample", p.ExcludeSample); err != nil {
		return nil, err
	}

	if f.excludeRun, err = compile("exclude-run", p.ExcludeRun); err != nil {
		return nil, err
	}

	return f, nil
}

func compile(field, expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &transfer.ConfigurationError{
			Field:  field,
			Reason: fmt.Sprintf("invalid pattern %q", expr),
			Err:    err,
		}
	}

	return re, nil
}

// Empty reports whether no rule is configured.
func (f *Filter) Empty() bool {
	return f == nil || (f.includeSample == nil && f.includeRun == nil && f.excludeSample == nil && f.excludeRun == nil)
}

// Accept reports whether a run with the given sample title and accession is kept.
func (f *Filter) Accept(sample, run string) bool {
	return f.Reason(sample, run) == ""
}

// Reason returns the rule that rejected the pair, or "" when it is accepted.
func (f *Filter) Reason(sample, run string) string {
	if f.Empty() {
		return ""
	}

	sampleReason := fieldReason("sample", sample, f.includeSample, f.excludeSample)
	runReason := fieldReason("run", run, f.includeRun, f.excludeRun)

	if f.combine == CombineOr {
		// With OR, only the fields that actually carry a rule can admit the pair.
		sampleRuled := f.includeSample != nil || f.excludeSample != nil
		runRuled := f.includeRun != nil || f.excludeRun != nil

		if (sampleRuled && sampleReason == "") || (runRuled && runReason == "") {
			return ""
		}

		return strings.Join(nonEmpty(sampleReason, runReason), "; ")
	}

	if sampleReason != "" {
		return sampleReason
	}

	return runReason
}

func fieldReason(field, value string, include, exclude *regexp.Regexp) string {
	if include != nil && !include.MatchString(value) {
		return fmt.Sprintf("%s %q does not match include pattern %q", field, value, include.String())
	}

	if exclude != nil && exclude.MatchString(value) {
		return fmt.Sprintf("%s %q matches exclude pattern %q", field, value, exclude.String())
	}

	return ""
}

func nonEmpty(values ...string) []string {
	out := values[:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}

	return out
}
