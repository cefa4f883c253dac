package internal

import (
	"github.com/starford/drift/internal/reconcile"
	"github.com/starford/drift/internal/remote"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	remote    remote.Remote
	conflicts reconcile.ConflictHandler
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithRemote replaces the remote selected by the sync configuration.
func WithRemote(r remote.Remote) Option {
	return func(a *application) {
		a.remote = r
	}
}

// WithConflictHandler sets how publish conflicts are resolved.
func WithConflictHandler(h reconcile.ConflictHandler) Option {
	return func(a *application) {
		a.conflicts = h
	}
}
