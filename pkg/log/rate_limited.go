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

package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages that exceed its limit. Nothing is dropped
// silently: the number of suppressed messages is reported with the next
// message that is let through.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Int64
}

// allow reports whether a message may be emitted, along with the number of
// messages suppressed since the last emitted one.
func (rl *rateLimitedLogger) allow() (bool, int64) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return false, 0
	}
	return true, rl.suppressed.Swap(0)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if ok, n := rl.allow(); ok {
		rl.logger.Debugf(suppressedPrefix(n)+format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if ok, n := rl.allow(); ok {
		rl.logger.Infof(suppressedPrefix(n)+format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if ok, n := rl.allow(); ok {
		rl.logger.Warningf(suppressedPrefix(n)+format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

func suppressedPrefix(n int64) string {
	if n == 0 {
		return ""
	}
	return "(" + itoa(n) + " similar messages suppressed) "
}

func itoa(n int64) string {
	var b [20]byte
	i := len(b)
	for {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return string(b[i:])
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return RateLimitedLoggerBurst(logger, every, 1)
}

// RateLimitedLoggerBurst is like RateLimitedLogger, but lets burst messages
// through before the limit applies.
func RateLimitedLoggerBurst(logger Logger, every time.Duration, burst int) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}
