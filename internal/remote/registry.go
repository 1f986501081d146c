package remote

import (
	"context"
	"log"
	"sort"

	"github.com/flitsinc/go-observation/internal/observation"
)

// DefaultPriority is the priority of converters that have no reason to run
// before or after the others.
const DefaultPriority = 1000

// Converter turns local events of the kinds it claims into remote events and
// back. Returning false means the event is not applicable; it is not an
// error. Converters must be stateless and safe for concurrent use.
type Converter interface {
	// Priority orders converters; lower values are tried first.
	Priority() int
	Claims(kind observation.Kind) bool
	ToRemote(ctx context.Context, event observation.LocalEvent) (RemoteEvent, bool)
	FromRemote(ctx context.Context, event RemoteEvent) (observation.LocalEvent, bool)
}

// Registry holds the converters in priority order. It is built once at
// startup and never mutated, so lookups take no lock.
type Registry struct {
	Logger *log.Logger

	converters []Converter
}

func NewRegistry(converters ...Converter) *Registry {
	sorted := make([]Converter, 0, len(converters))
	for _, c := range converters {
		if c != nil {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Registry{converters: sorted}
}

func (r *Registry) Converters() []Converter {
	return append([]Converter(nil), r.converters...)
}

// Claims reports whether any converter claims kind.
func (r *Registry) Claims(kind observation.Kind) bool {
	for _, c := range r.converters {
		if c.Claims(kind) {
			return true
		}
	}
	return false
}

// ToRemote converts event with the first claiming converter that accepts it.
func (r *Registry) ToRemote(ctx context.Context, event observation.LocalEvent) (RemoteEvent, bool) {
	for _, c := range r.converters {
		if !c.Claims(event.Kind) {
			continue
		}
		out, ok := c.ToRemote(ctx, event)
		if !ok {
			continue
		}
		if err := out.Source.Validate(); err != nil {
			r.logf("converter %T produced invalid source for %s: %v", c, event.Kind, err)
			return RemoteEvent{}, false
		}
		if err := out.Data.Validate(); err != nil {
			r.logf("converter %T produced invalid data for %s: %v", c, event.Kind, err)
			return RemoteEvent{}, false
		}
		return out, true
	}
	return RemoteEvent{}, false
}

// ToLocal converts event back with the first claiming converter that accepts it.
func (r *Registry) ToLocal(ctx context.Context, event RemoteEvent) (observation.LocalEvent, bool) {
	for _, c := range r.converters {
		if !c.Claims(event.Kind) {
			continue
		}
		if out, ok := c.FromRemote(ctx, event); ok {
			return out, true
		}
	}
	return observation.LocalEvent{}, false
}

func (r *Registry) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
