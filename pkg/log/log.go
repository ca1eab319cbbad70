/*
   Copyright The cradle Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package log

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// L is the default entry used when a context carries no logger.
var L = logrus.NewEntry(logrus.StandardLogger())

type loggerKey struct{}

// Fields type to pass to WithFields.
type Fields = logrus.Fields

// RFC3339NanoFixed is time.RFC3339Nano with nanoseconds padded using zeros to
// ensure the formatted time is always the same number of characters.
const RFC3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"

// WithLogger returns a new context with the provided logger. Use in
// combination with logger.WithField(s) for great effect.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger.WithContext(ctx))
}

// G returns the logger stored in ctx, or L when none is attached.
func G(ctx context.Context) *logrus.Entry {
	if logger := ctx.Value(loggerKey{}); logger != nil {
		return logger.(*logrus.Entry)
	}
	return L.WithContext(ctx)
}

// SetLevel sets the level of the standard logger from its string form.
// Unparseable levels leave the current level untouched.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.StandardLogger().SetLevel(lvl)
	return nil
}

// OpenFile points the standard logger at an append-only log file, creating
// parent directories as needed. The shim's stdout and stderr belong to the
// real runtime's caller, so nothing may ever be logged there.
func OpenFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	logrus.StandardLogger().SetOutput(f)
	logrus.StandardLogger().SetFormatter(&logrus.TextFormatter{
		TimestampFormat: RFC3339NanoFixed,
		FullTimestamp:   true,
	})
	return f, nil
}
