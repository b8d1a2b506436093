package routing

import (
	"context"
	"sync"
)

// Fake is an in-memory Controller for tests.
type Fake struct {
	mu        sync.Mutex
	installed *Spec

	// FailInstall, when non-nil, is returned by the next InstallRoutes
	// call and then cleared.
	FailInstall error
}

// NewFake returns a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{}
}

// InstallRoutes implements Controller.
func (f *Fake) InstallRoutes(_ context.Context, spec Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailInstall != nil {
		err := f.FailInstall
		f.FailInstall = nil
		return err
	}
	s := spec
	f.installed = &s
	return nil
}

// TearDownRoutes implements Controller.
func (f *Fake) TearDownRoutes(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = nil
	return nil
}

// Installed returns the currently-installed spec, or nil if none.
func (f *Fake) Installed() *Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed
}
