// Package auth combines identity verification and project quotas into
// the single authorizer handlers are given.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/hashicorp/go-metrics"
)

var (
	ErrInvalidCfg    = errors.New("auth: invalid options")
	ErrUnauthorized  = errors.New("auth: invalid GitHub credential")
	ErrQuotaExceeded = errors.New("auth: project quota exceeded")
)

var MetricAuthorizeCount = []string{"funksiyachi", "auth", "authorize", "count"}

// Verifier resolves a credential to a GitHub login.
// [*identity.Verifier] satisfies it.
type Verifier interface {
	Authenticate(ctx context.Context, credential string) (string, bool)
}

// Store tracks project ownership. [*projects.Store] satisfies it.
type Store interface {
	CanUploadProject(username, project string) bool
	AddProject(ctx context.Context, username, project string) error
	RemoveProject(ctx context.Context, username, project string) error
	UserProjects(username string) ([]string, bool)
	Close() error
}

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to [New].
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// Authorizer owns the quota store for the lifetime of the server.
type Authorizer struct {
	verifier Verifier
	store    Store

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// New fails with [ErrInvalidCfg] when verifier or store is nil, typed
// nil pointers included.
func New(verifier Verifier, store Store, opts ...Option) (*Authorizer, error) {
	if isNil(verifier) || isNil(store) {
		return nil, fmt.Errorf("%w: verifier and store are required", ErrInvalidCfg)
	}

	cfg := &config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}

	logger := slog.Default()
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	}

	return &Authorizer{
		verifier: verifier,
		store:    store,
		logger:   logger,
		msink:    cfg.msink,
		labels:   cfg.metricLabels,
	}, nil
}

func (a *Authorizer) Authenticate(ctx context.Context, credential string) (string, bool) {
	return a.verifier.Authenticate(ctx, credential)
}

func (a *Authorizer) CanUploadProject(username, project string) bool {
	return a.store.CanUploadProject(username, project)
}

func (a *Authorizer) AddProject(ctx context.Context, username, project string) error {
	return a.store.AddProject(ctx, username, project)
}

func (a *Authorizer) RemoveProject(ctx context.Context, username, project string) error {
	return a.store.RemoveProject(ctx, username, project)
}

func (a *Authorizer) UserProjects(username string) ([]string, bool) {
	return a.store.UserProjects(username)
}

// Authorize runs the checks guarding a deployment of project: the
// credential must be valid and the owner must have room for project.
// The verified username is returned along [ErrQuotaExceeded] so the
// caller can report whose quota is full.
func (a *Authorizer) Authorize(ctx context.Context, credential, project string) (string, error) {
	username, ok := a.Authenticate(ctx, credential)
	if !ok {
		a.record("unauthorized")
		return "", ErrUnauthorized
	}

	if !a.CanUploadProject(username, project) {
		a.record("quota_exceeded")
		a.logger.Info("project quota reached", "username", username, "project", project)
		return username, fmt.Errorf("%w: %s already owns the maximum number of projects", ErrQuotaExceeded, username)
	}

	a.record("ok")
	return username, nil
}

// Close closes the underlying store.
func (a *Authorizer) Close() error {
	return a.store.Close()
}

func (a *Authorizer) record(outcome string) {
	a.msink.IncrCounterWithLabels(
		MetricAuthorizeCount,
		1.0,
		append(append([]metrics.Label{}, a.labels...), metrics.Label{Name: "outcome", Value: outcome}),
	)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
