// Package binarystar drives the PRIMARY/BACKUP activation state machine:
// at most one replica's Activate is in effect at any time, decided from
// heartbeat liveness rather than any external coordinator.
package binarystar

import (
	"context"
	"log"
	"time"

	"campusbroker/internal/datastore"
	"campusbroker/internal/heartbeat"
)

// Role is this replica's configured role.
type Role string

const (
	RolePrimary Role = datastore.RolePrimary
	RoleBackup  Role = datastore.RoleBackup
)

// Controller evaluates the activation state machine once per heartbeat
// interval. Activate/Deactivate must be idempotent; Controller never
// calls Activate twice in a row without an intervening Deactivate, or
// vice versa.
type Controller struct {
	Role       Role
	Host       string
	Peer       *heartbeat.Observer
	Store      datastore.Store
	Activate   func(ctx context.Context) error
	Deactivate func()
	Log        *log.Logger

	active bool
}

// Step runs one evaluation of the state machine. It is exported
// separately from Run so tests can drive it deterministically.
func (c *Controller) Step(ctx context.Context) {
	switch c.Role {
	case RolePrimary:
		c.stepPrimary(ctx)
	case RoleBackup:
		c.stepBackup(ctx)
	}
}

func (c *Controller) stepPrimary(ctx context.Context) {
	if c.active {
		return
	}
	if err := c.Activate(ctx); err != nil {
		c.logf("activate failed: %v", err)
		return
	}
	c.active = true
	c.register(ctx, datastore.RolePrimary)
}

func (c *Controller) stepBackup(ctx context.Context) {
	peerAlive := c.Peer.Alive()

	switch {
	case peerAlive && c.active:
		c.Deactivate()
		c.active = false
		c.register(ctx, datastore.RoleBackup)

	case !peerAlive && !c.active:
		if err := c.Activate(ctx); err != nil {
			c.logf("failover activate failed: %v", err)
			return
		}
		c.active = true
		c.register(ctx, datastore.RolePrimary)

	default:
		// peer alive and not active (idle), or peer dead and already
		// active (steady-state failover): nothing to do.
	}
}

func (c *Controller) register(ctx context.Context, asRole string) {
	if c.Store == nil {
		return
	}
	if err := c.Store.RegisterServerRole(ctx, c.Host, asRole); err != nil {
		c.logf("register server role %s: %v", asRole, err)
	}
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.Log != nil {
		c.Log.Printf(format, args...)
	}
}

// Run evaluates Step every heartbeat.Interval until ctx is done. A
// PRIMARY steps immediately so its endpoint binds without waiting a full
// interval; a BACKUP waits for the first tick, since at boot its peer
// observer has not yet seen any heartbeat and an immediate evaluation
// would read a healthy primary as dead and self-promote.
func (c *Controller) Run(ctx context.Context) {
	if c.Role == RolePrimary {
		c.Step(ctx)
	}
	ticker := time.NewTicker(heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if c.active {
				c.Deactivate()
				c.active = false
			}
			return
		case <-ticker.C:
			c.Step(ctx)
		}
	}
}

// Active reports whether this replica currently believes it owns the
// allocation endpoint.
func (c *Controller) Active() bool { return c.active }
