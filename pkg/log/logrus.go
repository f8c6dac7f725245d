// Copyright 2026 The gVisor Authors.
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
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log records to a logrus logger, for embedding the
// bring-up logs into a host process that already logs through logrus.
//
// Level filtering is done by the BasicLogger; the logrus logger should be
// configured to accept debug records.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(_ int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	switch level {
	case Warning:
		entry.Warnf(format, v...)
	case Info:
		entry.Infof(format, v...)
	default:
		entry.Debugf(format, v...)
	}
}

// NewLogrusEmitter returns a LogrusEmitter writing JSON-formatted records
// through a fresh logrus logger.
func NewLogrusEmitter(w *Writer) LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.JSONFormatter{})
	return LogrusEmitter{Logger: l}
}
