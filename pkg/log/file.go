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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileOpts contains options for creating a log file.
type FileOpts interface {
	// Build constructs the log file path based on the given pattern.
	Build(logPattern string) string
}

// TimestampFormat is the layout substituted for %TIMESTAMP%.
const TimestampFormat = "20060102-150405.000000"

// Pattern expands the variables allowed in a log file name: %COMMAND% is the
// subcommand being run, %TIMESTAMP% the time it started and %PID% the process
// ID.
type Pattern struct {
	Command string
	Start   time.Time
	PID     int
}

// Build implements FileOpts.Build.
func (p Pattern) Build(logPattern string) string {
	return strings.NewReplacer(
		"%COMMAND%", p.Command,
		"%TIMESTAMP%", p.Start.Format(TimestampFormat),
		"%PID%", strconv.Itoa(p.PID),
	).Replace(logPattern)
}

// OpenFile opens a log file using the specified flags, creating missing
// parent directories. opts expands the variables in logPattern. An empty
// pattern means logging to a file is disabled and returns a nil file.
func OpenFile(logPattern string, flags int, opts FileOpts) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}
	logPath := opts.Build(logPattern)

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}
	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", logPath, err)
	}
	return f, nil
}
