// Package idlescaler periodically scans the web routing table and scales
// idle, scale-to-zero-enabled services down to zero replicas (spec §4.5),
// adapting the teacher's ShouldScaleToZero/last-activity idiom from
// per-pool CR status fields to the shared KV store's access timestamps.
package idlescaler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cuemby/platformcore/internal/kvstore"
	"github.com/cuemby/platformcore/internal/labels"
	"github.com/cuemby/platformcore/internal/orchestrator"
	"github.com/cuemby/platformcore/internal/routing/web"
	"github.com/cuemby/platformcore/internal/utils"
)

// Scaler drains the web routing table every CheckInterval, scaling down
// any scale-to-zero service that has been idle past IdleTimeout.
type Scaler struct {
	Log          utils.Logger
	Table        *web.Table
	KV           *kvstore.Store
	Orchestrator *orchestrator.Orchestrator

	IdleTimeout   time.Duration
	CheckInterval time.Duration
}

// New returns a Scaler with the given policy.
func New(log utils.Logger, table *web.Table, kv *kvstore.Store, orch *orchestrator.Orchestrator, idleTimeout, checkInterval time.Duration) *Scaler {
	return &Scaler{
		Log:           log,
		Table:         table,
		KV:            kv,
		Orchestrator:  orch,
		IdleTimeout:   idleTimeout,
		CheckInterval: checkInterval,
	}
}

// Run scans on a cron schedule of CheckInterval until ctx is cancelled.
func (s *Scaler) Run(ctx context.Context) {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.CheckInterval), func() { s.scan(ctx) }); err != nil {
		s.Log.Error(err, "scheduling idle scan", "interval", s.CheckInterval.String())
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (s *Scaler) scan(ctx context.Context) {
	for _, entry := range s.Table.Entries() {
		if !entry.ScaleToZeroEnabled {
			continue
		}
		if err := s.considerEntry(ctx, entry); err != nil {
			s.Log.Error(err, "considering service for idle scale-down", "namespace", entry.Namespace, "name", entry.Name)
		}
	}
}

// considerEntry implements spec §4.5's exact algorithm: epoch 0 (never
// accessed) never triggers scale-down; otherwise a service cached as
// active and idle past the timeout is scaled to zero and marked inactive.
func (s *Scaler) considerEntry(ctx context.Context, entry web.Entry) error {
	deployment := labels.DeploymentName(entry.ServiceID)
	active, ok, err := s.KV.Active(ctx, entry.Namespace, deployment)
	if err != nil {
		return err
	}
	if !ok || !active {
		return nil
	}

	lastAccess, err := s.KV.LastAccess(ctx, entry.Namespace, deployment)
	if err != nil {
		return err
	}
	if lastAccess == 0 {
		return nil
	}

	idleFor := time.Since(time.Unix(lastAccess, 0))
	if idleFor < s.IdleTimeout {
		return nil
	}

	if err := s.Orchestrator.ScaleTo(ctx, entry.Namespace, deployment, 0); err != nil {
		return err
	}
	s.Log.Info("scaled idle service to zero", "namespace", entry.Namespace, "name", deployment, "idleFor", idleFor.String())
	return s.KV.SetActive(ctx, entry.Namespace, deployment, false)
}
