// Copyright 2024 Paul Betts. All Rights Reserved.
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

package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// redirectToBuffer points the default logger at buf with the given format
// and severity.
func redirectToBuffer(buf *bytes.Buffer, format string, severity string) {
	defaultLoggerFactory.format = format
	defaultLoggerFactory.level = severity
	setLoggingLevel(severity, defaultLoggerFactory.levelVar)
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(buf, defaultLoggerFactory.levelVar, ""))
}

func logAtAllLevels() {
	Tracef("trace %d", 1)
	Debugf("debug %d", 2)
	Infof("info %d", 3)
	Warnf("warning %d", 4)
	Errorf("error %d", 5)
}

func TestSeverityThresholds(t *testing.T) {
	cases := []struct {
		severity string
		want     []string
		dropped  []string
	}{
		{OFF, nil, []string{"trace 1", "debug 2", "info 3", "warning 4", "error 5"}},
		{ERROR, []string{"error 5"}, []string{"warning 4"}},
		{WARNING, []string{"warning 4", "error 5"}, []string{"info 3"}},
		{INFO, []string{"info 3", "warning 4", "error 5"}, []string{"debug 2"}},
		{DEBUG, []string{"debug 2", "info 3"}, []string{"trace 1"}},
		{TRACE, []string{"trace 1", "debug 2", "info 3", "warning 4", "error 5"}, nil},
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		redirectToBuffer(&buf, "text", tc.severity)

		logAtAllLevels()

		for _, want := range tc.want {
			assert.Contains(t, buf.String(), want, "severity %s", tc.severity)
		}
		for _, dropped := range tc.dropped {
			assert.NotContains(t, buf.String(), dropped, "severity %s", tc.severity)
		}
	}
}

func TestSeverityNamesAppearInOutput(t *testing.T) {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "text", TRACE)

	logAtAllLevels()

	assert.Contains(t, buf.String(), "severity=TRACE")
	assert.Contains(t, buf.String(), "severity=WARNING")
	assert.Contains(t, buf.String(), "severity=ERROR")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "json", INFO)

	Infof("hello %s", "world")

	assert.Contains(t, buf.String(), `"severity":"INFO"`)
	assert.Contains(t, buf.String(), `"message":"hello world"`)
}

func TestLegacyLoggerForwards(t *testing.T) {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "text", TRACE)

	legacy := NewLegacyLogger(LevelError, "fuse: ")
	legacy.Println("boom")

	assert.Contains(t, buf.String(), "fuse: boom")
	assert.Contains(t, buf.String(), "severity=ERROR")
}
