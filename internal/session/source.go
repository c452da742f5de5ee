package session

import (
	"context"
	"log/slog"

	"github.com/onnwee/meetpoint/internal/room"
)

// Observation is one item from a location source: either a position or the
// error that took its place. Failed observations are never merged into room
// state as if they were fresh positions.
type Observation struct {
	Location room.Location
	Err      error
}

// LocationSource is the collaborator interface for device geolocation: a
// lazy, restartable stream of observations. The channel closing means the
// stream ended.
type LocationSource interface {
	Observations(ctx context.Context) <-chan Observation
}

// Track consumes a location source and reports each good observation through
// the session until the stream ends, ctx is cancelled, or the session is
// closed. Source errors are logged and skipped.
func (s *Session) Track(ctx context.Context, src LocationSource) {
	obs := src.Observations(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case o, ok := <-obs:
			if !ok {
				return
			}
			if o.Err != nil {
				s.logger.Warn("location source error", slog.String("error", o.Err.Error()))
				continue
			}
			s.SendLocation(o.Location)
		}
	}
}
