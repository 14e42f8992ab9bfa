// Package apps is the catalog of applications the supervisor can load
// after the system services are up
package apps

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stone-age-io/bootd/internal/supervisor"
	"go.uber.org/zap"
)

// App is a loadable application
type App struct {
	Version string
	Build   func(logger *zap.Logger) supervisor.Service
}

var catalog = map[string]App{
	"example": {Version: "0.1.0", Build: exampleApp},
}

// Names lists the catalog in order
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load builds the named application. An empty or unknown name is an error.
func Load(name string, logger *zap.Logger) (supervisor.Service, string, error) {
	if name == "" {
		return supervisor.Service{}, "", fmt.Errorf("no application configured")
	}
	app, ok := catalog[strings.ToLower(name)]
	if !ok {
		return supervisor.Service{}, "", fmt.Errorf("unknown application %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return app.Build(logger.With(zap.String("app", name))), app.Version, nil
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exampleApp is the sample application: two setup steps followed by two
// periodic routines that only log
func exampleApp(logger *zap.Logger) supervisor.Service {
	return supervisor.Service{
		Name: "example",
		Setup: []supervisor.TaskSpec{
			{Name: "calibrate", Run: func(ctx context.Context) error {
				logger.Info("Example setup calibrate started")
				if err := sleep(ctx, 300*time.Millisecond); err != nil {
					return err
				}
				logger.Info("Example setup calibrate done")
				return nil
			}},
			{Name: "warmup", Run: func(ctx context.Context) error {
				for step := 1; step <= 2; step++ {
					if err := sleep(ctx, 100*time.Millisecond); err != nil {
						return err
					}
					logger.Info("Example setup warmup step", zap.Int("step", step))
				}
				return nil
			}},
		},
		Routines: []supervisor.TaskSpec{
			{Name: "a", Run: func(ctx context.Context) error {
				for tick := 1; ; tick++ {
					if err := sleep(ctx, 3000*time.Millisecond); err != nil {
						return err
					}
					logger.Info("Example routine a", zap.Int("tick", tick))
				}
			}},
			{Name: "b", Run: func(ctx context.Context) error {
				for tick := 1; ; tick++ {
					if err := sleep(ctx, 1000*time.Millisecond); err != nil {
						return err
					}
					logger.Debug("Example routine b working", zap.Int("tick", tick))
					if err := sleep(ctx, 1000*time.Millisecond); err != nil {
						return err
					}
					logger.Info("Example routine b", zap.Int("tick", tick))
				}
			}},
		},
	}
}
