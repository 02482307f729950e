// Copyright 2018 Google LLC
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

package hvlog

import (
	"fmt"
	"os"
	"testing"
	"time"
)

type recordingEmitter struct {
	entries []string
}

func (r *recordingEmitter) Emit(level Level, timestamp time.Time, format string, v ...any) {
	r.entries = append(r.entries, fmt.Sprintf(format, v...))
}

func TestBasicLoggerLevelFiltering(t *testing.T) {
	rec := &recordingEmitter{}
	l := &BasicLogger{Level: Warning, Emitter: rec}

	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warningf("warning %d", 3)

	if len(rec.entries) != 1 {
		t.Fatalf("got %d entries, want 1: %v", len(rec.entries), rec.entries)
	}
	if rec.entries[0] != "warning 3" {
		t.Fatalf("entries[0] = %q, want %q", rec.entries[0], "warning 3")
	}
}

func TestBasicLoggerIsLogging(t *testing.T) {
	l := &BasicLogger{Level: Info}
	if l.IsLogging(Debug) {
		t.Fatal("IsLogging(Debug) = true, want false at Info level")
	}
	if !l.IsLogging(Info) {
		t.Fatal("IsLogging(Info) = false, want true at Info level")
	}
	if !l.IsLogging(Warning) {
		t.Fatal("IsLogging(Warning) = false, want true at Info level")
	}
}

func TestGlobalLoggerSetTarget(t *testing.T) {
	rec := &recordingEmitter{}
	original := Log()
	SetTarget(&BasicLogger{Level: Debug, Emitter: rec})
	defer SetTarget(original)

	Infof("hello %s", "world")

	if len(rec.entries) != 1 || rec.entries[0] != "hello world" {
		t.Fatalf("entries = %v, want [\"hello world\"]", rec.entries)
	}
}

func TestWriterAppendsNewlineOnlyWhenMissing(t *testing.T) {
	// Writer's Emit contract: it must not double up trailing newlines
	// already present in the format string.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	writer := NewWriter(w)
	writer.Emit(Info, time.Now(), "no newline")
	writer.Emit(Info, time.Now(), "has newline\n")
	w.Close()

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	got := string(buf[:n])
	want := "no newline\nhas newline\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
