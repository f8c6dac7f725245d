// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"\n*** Dropped 2 log messages ***\n",
		"line 2\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}

	l.Debugf("debug %d", 1)
	l.Infof("info %d\n", 2)
	l.Warningf("warning %d\n", 3)

	if got, want := buf.String(), "info 2\nwarning 3\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2026, time.May, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "lapic id=%d", 3)

	got := buf.String()
	if !strings.HasPrefix(got, "W0507 13:04:05.000006 ") {
		t.Errorf("unexpected prefix in %q", got)
	}
	if !strings.HasSuffix(got, "] lapic id=3\n") {
		t.Errorf("unexpected suffix in %q", got)
	}
	if !strings.Contains(got, "log_test.go:") {
		t.Errorf("caller missing from %q", got)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Info, time.Unix(0, 0).UTC(), "mapped %#x", 0xfee00000)

	var j jsonLog
	if err := json.Unmarshal(buf.Bytes(), &j); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if j.Msg != "mapped 0xfee00000" || j.Level != Info {
		t.Errorf("got %+v", j)
	}
	if !strings.HasPrefix(j.Caller, "log_test.go:") {
		t.Errorf("caller = %q, want log_test.go:<line>", j.Caller)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}
	rl := RateLimitedLogger(base, time.Hour)

	for i := 0; i < 3; i++ {
		rl.Warningf("unknown entry %d\n", i)
	}
	if got, want := buf.String(), "unknown entry 0\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := suppressedPrefix(2), "(2 similar messages suppressed) "; got != want {
		t.Errorf("suppressedPrefix(2) = %q, want %q", got, want)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogrusEmitter(&Writer{Next: &buf})
	e.Emit(0, Debug, time.Unix(0, 0), "stack top %#x", 0x8000)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if m["msg"] != "stack top 0x8000" || m["level"] != "debug" {
		t.Errorf("got %v", m)
	}
}
