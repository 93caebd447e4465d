package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-renditions/internal/media"
	"github.com/tendant/simple-renditions/pkg/schema"
)

type publisher interface {
	PublishJSON(subject string, v any) error
}

// jobPublisher re-announces assets that lack derivatives so the worker
// picks them up again.
type jobPublisher struct {
	bus     publisher
	subject string
	opts    options
	logger  *slog.Logger

	published int
	skipped   int
	failed    int
}

func newJobPublisher(bus publisher, subject string, opts options, logger *slog.Logger) *jobPublisher {
	return &jobPublisher{bus: bus, subject: subject, opts: opts, logger: logger}
}

func (p *jobPublisher) Stats() (published, skipped, failed int) {
	return p.published, p.skipped, p.failed
}

func (p *jobPublisher) Process(ctx context.Context, asset *media.SourceAsset) error {
	if asset.IsAvatar() {
		p.skipped++
		p.logger.Debug("skipping avatar", "asset_id", asset.ID.String())
		return nil
	}

	if p.opts.DryRun {
		p.logger.Info("would publish", "asset_id", asset.ID.String(), "kind", string(asset.Kind), "profiles", p.opts.Profiles)
		return nil
	}

	evt := schema.AssetUploaded{
		AssetID:    asset.ID.String(),
		Profiles:   p.opts.Profiles,
		Reason:     "backfill",
		HappenedAt: time.Now().Unix(),
	}
	if err := p.bus.PublishJSON(p.subject, evt); err != nil {
		p.failed++
		return fmt.Errorf("publish to NATS: %w", err)
	}
	p.published++
	p.logger.Info("published asset", "asset_id", asset.ID.String(), "events_published", p.published)

	if p.opts.Delay > 0 {
		select {
		case <-time.After(p.opts.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
