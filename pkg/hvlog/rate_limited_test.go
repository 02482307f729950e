// Copyright 2022 The gVisor Authors.
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
	"testing"
	"time"
)

func TestRateLimitedLoggerDropsBurst(t *testing.T) {
	rec := &recordingEmitter{}
	base := &BasicLogger{Level: Debug, Emitter: rec}
	rl := RateLimitedLogger(base, time.Hour)

	for i := 0; i < 5; i++ {
		rl.Warningf("span error on port %d", i)
	}

	if len(rec.entries) != 1 {
		t.Fatalf("got %d entries, want exactly 1 within the rate-limit window: %v", len(rec.entries), rec.entries)
	}
}

func TestRateLimitedLoggerDelegatesIsLogging(t *testing.T) {
	base := &BasicLogger{Level: Warning}
	rl := RateLimitedLogger(base, time.Hour)

	if rl.IsLogging(Debug) {
		t.Fatal("IsLogging(Debug) = true, want false (delegate should reflect base level)")
	}
	if !rl.IsLogging(Warning) {
		t.Fatal("IsLogging(Warning) = false, want true (delegate should reflect base level)")
	}
}
