// Package service runs the long-lived components of a uSketch process side
// by side.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Service describes a component of a uSketch process, e.g. a forwarder, a
// worker or the metrics server.
type Service interface {
	// Name returns the name of the service.
	Name() string

	// Run executes the service and blocks until the context gets cancelled,
	// the service completes its work or an error occurs.
	Run(context.Context) error
}

// Func adapts a function to the Service interface.
type Func struct {
	ServiceName string
	RunFn       func(context.Context) error
}

// Name implements Service.
func (f Func) Name() string { return f.ServiceName }

// Run implements Service.
func (f Func) Run(ctx context.Context) error { return f.RunFn(ctx) }

// Group is a list of Service instances that can execute in parallel.
type Group []Service

// Execute executes all Service instances in the group using the provided
// context. Calls to Execute block until all services have returned, either
// because the context was cancelled, because every service completed or
// because any of the services reported an error. An error cancels the
// context passed to the remaining services.
func (g Group) Execute(ctx context.Context, logger *logrus.Entry) error {
	if ctx == nil {
		ctx = context.Background()
	}

	executionCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	var wg sync.WaitGroup
	wg.Add(len(g))
	errChan := make(chan error, len(g))

	for _, s := range g {
		go func(s Service) {
			defer wg.Done()

			if err := s.Run(executionCtx); err != nil {
				errChan <- fmt.Errorf("%s: %w", s.Name(), err)
				cancelFn()

				return
			}

			if logger != nil {
				logger.WithField("service", s.Name()).Info("service exited")
			}
		}(s)
	}

	wg.Wait()

	// Collect and accumulate any reported errors.
	var err error
	close(errChan)

	for srvErr := range errChan {
		err = multierror.Append(err, srvErr)
	}

	return err
}
