package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bringauto/external-server/pkg/config"
	"github.com/bringauto/external-server/pkg/event"
	"github.com/bringauto/external-server/pkg/log"
	"github.com/bringauto/external-server/pkg/module"
	"github.com/bringauto/external-server/pkg/mqtt"
)

// SupervisorOptions configures the process-wide supervisor.
type SupervisorOptions struct {
	// TLS switches the broker connections to mutual TLS when non-nil.
	TLS *tls.Config

	// Logger is the operational logger. Defaults to slog.Default.
	Logger *slog.Logger

	// NewProvider overrides the module provider for all cars; tests
	// use it to substitute mocks.
	NewProvider func(id uint32, cfg config.Module) module.API

	// NewProtocolLogger builds the per-car protocol logger; nil
	// disables protocol capture.
	NewProtocolLogger func(company, car string) log.Logger

	// NewBus overrides the bus construction for all cars; tests use
	// it to substitute in-memory buses. Defaults to the MQTT adapter.
	NewBus func(carCfg *config.CarConfig, queue *event.Queue) Bus
}

// Supervisor hosts one CarServer per configured car. Cars run on their
// own goroutines and fail independently; the supervisor's outcome is
// the join of all session outcomes.
type Supervisor struct {
	servers map[string]*CarServer
	logger  *slog.Logger
}

// NewSupervisor builds the sessions for every configured car. Any
// car's module init failure aborts the whole process startup.
func NewSupervisor(cfg *config.Config, opts SupervisorOptions) (*Supervisor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newBus := opts.NewBus
	if newBus == nil {
		newBus = func(carCfg *config.CarConfig, queue *event.Queue) Bus {
			return mqtt.NewAdapter(mqtt.Config{
				Company: carCfg.CompanyName,
				Car:     carCfg.CarName,
				Address: carCfg.MQTTAddress,
				Port:    carCfg.MQTTPort,
				Timeout: time.Duration(carCfg.MQTTTimeout) * time.Second,
				TLS:     opts.TLS,
				Logger:  logger,
			}, queue)
		}
	}

	sup := &Supervisor{
		servers: make(map[string]*CarServer, len(cfg.Cars)),
		logger:  logger,
	}

	// Deterministic startup order keeps failures reproducible.
	names := make([]string, 0, len(cfg.Cars))
	for name := range cfg.Cars {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		carCfg, err := cfg.ForCar(name)
		if err != nil {
			sup.closeAll()
			return nil, err
		}
		queue := event.New(0)
		var protocol log.Logger
		if opts.NewProtocolLogger != nil {
			protocol = opts.NewProtocolLogger(carCfg.CompanyName, carCfg.CarName)
		}
		srv, err := New(carCfg, Options{
			Bus:            newBus(carCfg, queue),
			Queue:          queue,
			NewProvider:    opts.NewProvider,
			Logger:         logger,
			ProtocolLogger: protocol,
		})
		if err != nil {
			sup.closeAll()
			return nil, fmt.Errorf("car %s: %w", name, err)
		}
		sup.servers[name] = srv
	}
	return sup, nil
}

// Server returns the session of one car, or nil.
func (s *Supervisor) Server(car string) *CarServer {
	return s.servers[car]
}

// Run starts every car session and blocks until all of them finish.
// Cancelling ctx stops the sessions gracefully. The returned error
// joins the outcome of every failed session.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for name, srv := range s.servers {
		wg.Add(1)
		go func(name string, srv *CarServer) {
			defer wg.Done()
			if err := srv.Run(); err != nil {
				s.logger.Error("car session failed", "car", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("car %s: %w", name, err))
				mu.Unlock()
			}
		}(name, srv)
	}

	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-finished:
		}
	}()

	wg.Wait()
	close(finished)
	return errors.Join(errs...)
}

// Stop requests every session to terminate. Idempotent.
func (s *Supervisor) Stop() {
	for _, srv := range s.servers {
		srv.Stop()
	}
}

func (s *Supervisor) closeAll() {
	for _, srv := range s.servers {
		srv.closeModules()
	}
}
