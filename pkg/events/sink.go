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

package events

import (
	"context"

	goevents "github.com/docker/go-events"

	"github.com/cradle-sh/cradle/pkg/log"
	"github.com/cradle-sh/cradle/pkg/state"
)

// stateSink records exit events into the persistent state store. The write
// is unconditional for every (namespace, container) it sees: untracked
// keys are simply never read back, and writing without a lookup keeps the
// monitor free of a read-check-write race against delete.
type stateSink struct {
	ctx   context.Context
	store *state.Store
}

func (s *stateSink) Write(e goevents.Event) error {
	ev, ok := e.(*ExitEvent)
	if !ok {
		return nil
	}
	key := state.Key{Namespace: ev.Namespace, ID: ev.ContainerID}
	if err := s.store.SetExitCode(s.ctx, key, ev.ExitStatus); err != nil {
		log.G(s.ctx).WithError(err).WithField("container", key).Error("cannot record exit code")
		return err
	}
	log.G(s.ctx).WithFields(log.Fields{"container": key, "exit_status": ev.ExitStatus}).Info("recorded task exit")
	return nil
}

func (s *stateSink) Close() error { return nil }

// newPipeline assembles the delivery chain for parsed events: a
// broadcaster fanning out to an exit-event filter in front of the state
// writer. The shape mirrors containerd's own event exchange and leaves
// room for additional sinks (e.g. a metrics or audit sink) without
// touching the stream reader.
func newPipeline(ctx context.Context, store *state.Store) *goevents.Broadcaster {
	writer := &stateSink{ctx: ctx, store: store}
	filter := goevents.NewFilter(writer, goevents.MatcherFunc(func(e goevents.Event) bool {
		_, ok := e.(*ExitEvent)
		return ok
	}))
	return goevents.NewBroadcaster(filter)
}
