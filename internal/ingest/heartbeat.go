// Package ingest applies rider heartbeats (position and online toggle) to
// the rider store and the geo index, directly or through a Kafka topic.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/storage"
)

var ErrInvalidHeartbeat = errors.New("ingest: invalid heartbeat")

// Applier is anything that can apply one heartbeat.
type Applier interface {
	Apply(ctx context.Context, hb models.Heartbeat) error
}

// PresenceApplier writes heartbeats to the rider store and mirrors the
// result into the geo index. It never touches isBusy; that flag belongs to
// the acceptance and delivery flow and is only read here.
type PresenceApplier struct {
	Riders storage.RiderStore
	Geo    geo.Index
	Logger *slog.Logger
}

func (a *PresenceApplier) Apply(ctx context.Context, hb models.Heartbeat) error {
	if err := Validate(hb); err != nil {
		return err
	}
	if err := a.Riders.UpdatePresence(ctx, hb.RiderID, hb.Loc, hb.Online); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	rider, err := a.Riders.GetRider(ctx, hb.RiderID)
	if err != nil {
		return fmt.Errorf("load rider: %w", err)
	}
	if err := a.Geo.UpsertLocation(ctx, hb.RiderID, hb.Loc); err != nil {
		return fmt.Errorf("geo upsert: %w", err)
	}
	if err := a.Geo.SetAvailability(ctx, hb.RiderID, hb.Online, rider.IsBusy); err != nil {
		return fmt.Errorf("geo availability: %w", err)
	}
	// An accept or delivery may have flipped busy between the read and the
	// geo write; the index must not keep the stale value.
	after, err := a.Riders.GetRider(ctx, hb.RiderID)
	if err != nil {
		return fmt.Errorf("reload rider: %w", err)
	}
	if after.IsBusy != rider.IsBusy {
		if err := a.Geo.SetAvailability(ctx, hb.RiderID, hb.Online, after.IsBusy); err != nil {
			return fmt.Errorf("geo availability: %w", err)
		}
	}
	return nil
}

func Validate(hb models.Heartbeat) error {
	if strings.TrimSpace(hb.RiderID) == "" {
		return fmt.Errorf("%w: missing rider id", ErrInvalidHeartbeat)
	}
	if !hb.Loc.Valid() {
		return fmt.Errorf("%w: bad location %v,%v", ErrInvalidHeartbeat, hb.Loc.Lat, hb.Loc.Lon)
	}
	return nil
}

// permanent errors are not worth retrying.
func permanent(err error) bool {
	return errors.Is(err, ErrInvalidHeartbeat) || errors.Is(err, storage.ErrNotFound) || errors.Is(err, geo.ErrInvalidLocation)
}

// applyWithRetry applies hb, retrying transient failures with doubling delay.
func applyWithRetry(ctx context.Context, a Applier, hb models.Heartbeat, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = a.Apply(ctx, hb); err == nil || permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Record counts the result of applying one heartbeat.
func Record(err error) {
	switch {
	case err == nil:
		observability.HeartbeatsApplied.Inc()
	case permanent(err):
		observability.HeartbeatsInvalid.Inc()
	default:
		observability.HeartbeatErrors.Inc()
	}
}
