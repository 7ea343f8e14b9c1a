/*
Copyright 2023.

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

// Package leadergate starts and stops the watch pipeline based on lease
// ownership, so that at most one operator replica processes events at a
// time. Generation caches and requeue queues are expected to live outside
// the gated function and therefore survive leadership transitions; the
// watch loops run inside it and do not.
package leadergate

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/opkernel/opkernel/internal/metrics"
)

const (
	defaultLeaseDuration = 15 * time.Second
	defaultRenewDeadline = 10 * time.Second
	defaultRetryPeriod   = 2 * time.Second
)

// Config describes the lease the gate competes for.
type Config struct {
	// LockNamespace and LockName identify the coordination.k8s.io Lease
	// object used as the resource lock.
	LockNamespace string
	LockName      string
	// Identity is this replica's candidate id; if empty, one is derived
	// from the hostname plus a random suffix.
	Identity string
	// LeaseDuration, RenewDeadline and RetryPeriod follow the usual
	// client-go leader election semantics; zero values pick the defaults.
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// Gate runs a function only while this replica holds the lease. On
// acquisition the function is invoked with a context that is cancelled on
// lease loss; the gate then waits for it to return before competing for the
// lease again.
type Gate struct {
	cfg    Config
	client kubernetes.Interface
	run    func(ctx context.Context)
}

// New builds a Gate around run. run must return promptly once its context
// is cancelled; the gate will not rejoin the election until it has.
func New(cfg Config, client kubernetes.Interface, run func(ctx context.Context)) *Gate {
	if cfg.Identity == "" {
		hostname, _ := os.Hostname()
		cfg.Identity = hostname + "_" + uuid.NewString()
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.RenewDeadline == 0 {
		cfg.RenewDeadline = defaultRenewDeadline
	}
	if cfg.RetryPeriod == 0 {
		cfg.RetryPeriod = defaultRetryPeriod
	}
	return &Gate{cfg: cfg, client: client, run: run}
}

// Identity returns the candidate id the gate competes with.
func (g *Gate) Identity() string {
	return g.cfg.Identity
}

// Run competes for the lease until ctx is cancelled, invoking the gated
// function for the duration of each period of leadership. Losing the lease
// tears the function down and rejoins the election; Run only returns on
// cancellation or if the resource lock cannot be constructed.
func (g *Gate) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithValues("lockNamespace", g.cfg.LockNamespace, "lockName", g.cfg.LockName, "identity", g.cfg.Identity)

	lock, err := resourcelock.New(
		resourcelock.LeasesResourceLock,
		g.cfg.LockNamespace,
		g.cfg.LockName,
		g.client.CoreV1(),
		g.client.CoordinationV1(),
		resourcelock.ResourceLockConfig{Identity: g.cfg.Identity},
	)
	if err != nil {
		return errors.Wrap(err, "error creating leader election resource lock")
	}

	for ctx.Err() == nil {
		started := make(chan struct{})
		done := make(chan struct{})

		elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
			Lock:            lock,
			LeaseDuration:   g.cfg.LeaseDuration,
			RenewDeadline:   g.cfg.RenewDeadline,
			RetryPeriod:     g.cfg.RetryPeriod,
			ReleaseOnCancel: true,
			Name:            g.cfg.LockName,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(leadCtx context.Context) {
					close(started)
					defer close(done)
					logger.Info("leadership acquired; starting watchers")
					metrics.LeaderState.WithLabelValues(g.cfg.Identity).Set(1)
					g.run(leadCtx)
				},
				OnStoppedLeading: func() {
					metrics.LeaderState.WithLabelValues(g.cfg.Identity).Set(0)
					logger.Info("leadership lost; watchers stopping")
				},
				OnNewLeader: func(id string) {
					if id != g.cfg.Identity {
						logger.V(1).Info("observed new leader", "leader", id)
					}
				},
			},
		})
		if err != nil {
			return errors.Wrap(err, "error creating leader elector")
		}

		// Run returns once the lease is lost or ctx is cancelled; in both
		// cases the leading context passed to the gated function is already
		// cancelled, so waiting on done is bounded by the function's own
		// shutdown
		elector.Run(ctx)
		select {
		case <-started:
			<-done
		default:
		}
	}
	return nil
}
