package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferedLogger(t *testing.T, level Level) (*Logger, *bytes.Buffer) {
	t.Helper()
	l, err := New("test", level, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var buf bytes.Buffer
	l.output = &buf
	return l, &buf
}

func TestLoggerFiltersBelowConfiguredLevel(t *testing.T) {
	l, buf := newBufferedLogger(t, WARN)

	l.Debug("should be dropped", nil)
	l.Info("should be dropped too", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected no output below WARN, got %q", buf.String())
	}

	l.Warn("this one should land", nil)
	if !strings.Contains(buf.String(), "this one should land") {
		t.Fatalf("expected the WARN line to be written, got %q", buf.String())
	}
}

func TestLoggerEmitsStructuredJSON(t *testing.T) {
	l, buf := newBufferedLogger(t, DEBUG)
	l.Info("connection established", map[string]interface{}{"peer": "abc", "conn_id": 42})

	var e entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if e.Level != "INFO" || e.Message != "connection established" || e.Component != "test" {
		t.Fatalf("unexpected entry: %#v", e)
	}
	if e.Fields["peer"] != "abc" {
		t.Fatalf("fields[peer] = %v, want abc", e.Fields["peer"])
	}
}

func TestParseLevelDefaultsToInfoForUnknownInput(t *testing.T) {
	cases := map[string]Level{
		"debug":       DEBUG,
		"warn":        WARN,
		"error":       ERROR,
		"info":        INFO,
		"":            INFO,
		"nonexistent": INFO,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestWithFieldsMergesGlobalAndPerCall(t *testing.T) {
	l, buf := newBufferedLogger(t, DEBUG)
	scoped := l.WithFields(Fields{"conn_id": 7})
	scoped.output = buf
	scoped.Info("data frame", map[string]interface{}{"seq_nr": 3})

	var e entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if e.Fields["conn_id"] != float64(7) || e.Fields["seq_nr"] != float64(3) {
		t.Fatalf("expected both global and per-call fields, got %#v", e.Fields)
	}
}
