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

// Package events tails the containerd event stream and records task exit
// codes into the state store. It is hosted by a single long-lived monitor
// process; the short-lived shim invocations only spawn it and read what it
// wrote.
package events

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ExitTopic is the only topic the monitor consumes.
const ExitTopic = "/tasks/exit"

// ExitEvent is one observed task exit.
type ExitEvent struct {
	Namespace   string
	ContainerID string
	ExitStatus  int
}

// ParseLine decodes one line of ctr's event output:
//
//	<timestamp> <namespace> <topic> <json payload>
//
// The timestamp itself contains spaces, so the line cannot be split by
// position. Instead the literal exit topic is the anchor: the token right
// before it is the namespace and everything after it is the payload.
// Lines for other topics return (nil, nil) and are dropped; a line that
// names the exit topic but cannot be decoded returns an error so the
// caller can log and skip it.
func ParseLine(line string) (*ExitEvent, error) {
	line = strings.TrimSpace(line)
	idx := strings.Index(line, " "+ExitTopic+" ")
	if idx < 0 {
		return nil, nil
	}

	head := strings.Fields(line[:idx])
	if len(head) == 0 {
		return nil, errors.Errorf("exit event without namespace: %q", line)
	}
	namespace := head[len(head)-1]

	payload := strings.TrimSpace(line[idx+len(ExitTopic)+2:])
	var body struct {
		ContainerID string `json:"container_id"`
		ExitStatus  *int   `json:"exit_status"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return nil, errors.Wrapf(err, "malformed exit payload %q", payload)
	}
	if body.ContainerID == "" {
		return nil, errors.Errorf("exit event without container id: %q", payload)
	}

	// A zero exit status is omitted from the payload; absence means a
	// clean exit, not an unknown one.
	status := 0
	if body.ExitStatus != nil {
		status = *body.ExitStatus
	}
	return &ExitEvent{
		Namespace:   namespace,
		ContainerID: body.ContainerID,
		ExitStatus:  status,
	}, nil
}
