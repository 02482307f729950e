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
	"strings"
	"testing"
	"time"
)

func TestCalculateBytesPadding(t *testing.T) {
	got := string(calculateBytes(7, 3))
	if got != "  7" {
		t.Fatalf("calculateBytes(7, 3) = %q, want %q", got, "  7")
	}
	got = string(calculateBytes(1234, 3))
	if got != "1234" {
		t.Fatalf("calculateBytes(1234, 3) = %q, want %q (no truncation)", got, "1234")
	}
}

func TestGoogleEmitterLevelPrefix(t *testing.T) {
	cases := []struct {
		level  Level
		prefix byte
	}{
		{Debug, 'D'},
		{Info, 'I'},
		{Warning, 'W'},
	}
	for _, c := range cases {
		rec := &recordingEmitter{}
		g := GoogleEmitter{Emitter: rec}
		g.Emit(c.level, time.Now(), "msg")
		if len(rec.entries) != 1 {
			t.Fatalf("level %v: got %d entries, want 1", c.level, len(rec.entries))
		}
		if rec.entries[0][0] != c.prefix {
			t.Fatalf("level %v: prefix = %q, want %q", c.level, rec.entries[0][0], c.prefix)
		}
	}
}

func TestGoogleEmitterPreservesFormatVerbs(t *testing.T) {
	rec := &recordingEmitter{}
	g := GoogleEmitter{Emitter: rec}
	g.Emit(Info, time.Now(), "port %#x size %d", 0x3F8, 4)

	if len(rec.entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(rec.entries))
	}
	if !strings.Contains(rec.entries[0], "port 0x3f8 size 4") {
		t.Fatalf("entries[0] = %q, want it to contain %q", rec.entries[0], "port 0x3f8 size 4")
	}
}
