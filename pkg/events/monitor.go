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
	"bufio"
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	goevents "github.com/docker/go-events"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cradle-sh/cradle/pkg/config"
	"github.com/cradle-sh/cradle/pkg/log"
	"github.com/cradle-sh/cradle/pkg/state"
)

// Monitor tails `ctr events` and feeds exit events into the sink pipeline.
// It is the only long-lived process in the system.
type Monitor struct {
	cfg     *config.Config
	store   *state.Store
	pidfile *PIDFile
	sink    goevents.Sink
}

// NewMonitor wires a monitor over the given store.
func NewMonitor(ctx context.Context, cfg *config.Config, store *state.Store) *Monitor {
	return &Monitor{
		cfg:     cfg,
		store:   store,
		pidfile: NewPIDFile(cfg.MonitorPidFile),
		sink:    newPipeline(ctx, store),
	}
}

// Run claims the PID file and consumes the event stream until ctx is
// cancelled. Stream failures reconnect with exponential backoff; only a
// second live monitor or a cancelled context end the loop.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.pidfile.Acquire(); err != nil {
		return err
	}
	defer m.pidfile.Release()
	defer m.sink.Close()

	log.G(ctx).WithField("ctr", m.cfg.CtrBinary).Info("event monitor started")

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry forever

	for {
		started := time.Now()
		err := m.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A stream that lived for a while counts as a successful connect;
		// start the backoff ladder over instead of escalating.
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.G(ctx).WithError(err).WithField("retry_in", wait).Warn("event stream interrupted, reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stream runs one ctr events subprocess to exhaustion.
func (m *Monitor) stream(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.cfg.CtrBinary, "events")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "pipe ctr stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "pipe ctr stderr")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s events", m.cfg.CtrBinary)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return m.consume(ctx, stdout)
	})
	eg.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.G(ctx).WithField("stderr", scanner.Text()).Warn("ctr events")
		}
		return nil
	})

	readErr := eg.Wait()
	if err := cmd.Wait(); err != nil && readErr == nil {
		readErr = err
	}
	if readErr == nil {
		readErr = errors.New("event stream closed")
	}
	return readErr
}

// consume scans the stream line-wise. Malformed lines are logged and
// skipped; they must never take the monitor down.
func (m *Monitor) consume(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ev, err := ParseLine(line)
		if err != nil {
			log.G(ctx).WithError(err).Warn("skipping malformed event line")
			continue
		}
		if ev == nil {
			continue
		}
		if err := m.sink.Write(ev); err != nil {
			log.G(ctx).WithError(err).WithField("container", ev.Namespace+"/"+ev.ContainerID).Error("event delivery failed")
		}
	}
	return scanner.Err()
}
