// Package appctx builds the runtime context handed to every component at
// construction: logger, metrics, tracer, clock and the instance identity.
package appctx

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"channelgate/internal/clock"
	"channelgate/internal/constants"
	"channelgate/internal/metrics"
	"channelgate/internal/models"
	"channelgate/internal/tracing"
)

type Runtime struct {
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
	Tracing    *tracing.Manager
	Clock      clock.Clock
	InstanceID string
}

type Options struct {
	LogLevel    string
	Environment string
	Tracing     models.TracingConfig
	Output      io.Writer
	Clock       clock.Clock
	InstanceID  string
}

// New builds a Runtime. Call Init before use and Close on shutdown.
func New(opts Options) *Runtime {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stdout)
	}
	level, err := logrus.ParseLevel(opts.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	env := opts.Environment
	if env == "" {
		env = constants.DefaultEnvironment
	}

	return &Runtime{
		Logger:     logger,
		Metrics:    metrics.New(),
		Tracing:    tracing.NewManager(opts.Tracing, env, logger),
		Clock:      clk,
		InstanceID: instanceID,
	}
}

// NewForTest returns a silent runtime with its own metrics registry.
func NewForTest(clk clock.Clock) *Runtime {
	return New(Options{LogLevel: "debug", Output: io.Discard, Clock: clk})
}

// Init starts the exporters owned by the runtime.
func (r *Runtime) Init(ctx context.Context) error {
	return r.Tracing.Initialize(ctx)
}

// Close flushes and releases the exporters.
func (r *Runtime) Close(ctx context.Context) error {
	return r.Tracing.Shutdown(ctx)
}

// Component returns a log entry tagged with the component name.
func (r *Runtime) Component(name string) *logrus.Entry {
	return r.Logger.WithFields(logrus.Fields{
		constants.LogFieldComponent:  name,
		constants.LogFieldInstanceID: r.InstanceID,
	})
}

// Tracer returns a tracer for the named component.
func (r *Runtime) Tracer(name string) oteltrace.Tracer {
	return r.Tracing.Tracer("channelgate/" + name)
}
