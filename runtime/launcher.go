package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kairospay/subscription-core/internal/nilcheck"
	"github.com/kairospay/subscription-core/log"
)

var (
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
)

// App is a long-running component with an explicit lifecycle. Run blocks
// until the app stops or ctx is cancelled; Shutdown waits for in-flight work.
type App interface {
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Launcher runs a set of named apps and waits for all of them to finish.
// Each app gets its own guarded goroutine; there are no process-wide
// singletons beyond what the caller injects.
type Launcher struct {
	logger log.Logger
	apps   map[string]App
	order  []string
}

// NewLauncher creates a launcher with the given logger.
func NewLauncher(logger log.Logger) *Launcher {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Launcher{
		logger: logger,
		apps:   make(map[string]App),
	}
}

// Add registers an app under a unique name.
func (launcher *Launcher) Add(name string, app App) error {
	if launcher == nil {
		return ErrNilLauncher
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyApp
	}

	if nilcheck.Interface(app) {
		return ErrNilApp
	}

	if _, exists := launcher.apps[name]; exists {
		return fmt.Errorf("app %q already registered", name)
	}

	launcher.apps[name] = app
	launcher.order = append(launcher.order, name)

	return nil
}

// Run starts every registered app and blocks until all of them return.
// When ctx is cancelled, each app's Shutdown is invoked with shutdownCtx.
func (launcher *Launcher) Run(ctx context.Context, shutdownTimeout func() (context.Context, context.CancelFunc)) error {
	if launcher == nil {
		return ErrNilLauncher
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var wg sync.WaitGroup

	errs := make([]error, len(launcher.order))

	launcher.logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(launcher.order)))

	for i, name := range launcher.order {
		wg.Add(1)

		app := launcher.apps[name]
		index := i
		appName := name

		SafeGo(ctx, launcher.logger, "launcher", "run_"+appName, func(runCtx context.Context) {
			defer wg.Done()

			launcher.logger.Log(runCtx, log.LevelInfo, "app starting", log.String("app", appName))

			if err := app.Run(runCtx); err != nil {
				errs[index] = fmt.Errorf("app %q: %w", appName, err)
				launcher.logger.Log(runCtx, log.LevelError, "app error", log.String("app", appName), log.Err(err))
			}

			launcher.logger.Log(runCtx, log.LevelInfo, "app finished", log.String("app", appName))
		})
	}

	<-ctx.Done()

	shutdownCtx, cancel := shutdownTimeout()
	defer cancel()

	for _, name := range launcher.order {
		if err := launcher.apps[name].Shutdown(shutdownCtx); err != nil {
			launcher.logger.Log(shutdownCtx, log.LevelWarn, "app shutdown error", log.String("app", name), log.Err(err))
		}
	}

	wg.Wait()

	launcher.logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	return errors.Join(errs...)
}
