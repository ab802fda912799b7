package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/airmic/airmic/internal/discovery"
	"github.com/google/uuid"
)

// ResolveDevice resolves a discovered device's advertisement into a
// connectable address, blocking the caller until resolution completes or the
// configured timeout elapses.
//
// While a resolution is in flight the device's Resolving flag is set; a
// second call during that window returns ErrResolveInFlight without issuing
// another request. Whichever of completion, failure, or timeout happens
// first clears the flag exactly once.
//
// A timeout or failure leaves the device unresolved but does not move it to
// an error state: the caller is free to retry.
func (c *Controller) ResolveDevice(id uuid.UUID) (discovery.Address, error) {
	type result struct {
		addr discovery.Address
		err  error
	}
	resultCh := make(chan result, 1)

	c.do(func() {
		device := c.book.ByID(id)
		if device == nil {
			resultCh <- result{err: ErrUnknownDevice}
			return
		}
		if device.Resolving {
			resultCh <- result{err: ErrResolveInFlight}
			return
		}
		device.Resolving = true
		c.appendLog(fmt.Sprintf("resolving %q", device.Name))

		handle := device.Handle
		go c.runResolve(id, handle, func(addr discovery.Address, err error) {
			resultCh <- result{addr: addr, err: err}
		})
	})

	select {
	case r := <-resultCh:
		return r.addr, r.err
	case <-c.done:
		return discovery.Address{}, ErrResolutionFailed
	}
}

// Run a single resolution attempt off the owner context.
//
// Completion and timeout race: both paths funnel through a one-shot guard so
// the Resolving flag is cleared, and the caller notified, exactly once.
func (c *Controller) runResolve(id uuid.UUID, handle discovery.Handle, deliver func(discovery.Address, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ResolveTimeout)
	defer cancel()

	var once sync.Once
	finish := func(addr discovery.Address, err error) {
		once.Do(func() {
			c.do(func() { c.applyResolution(id, addr, err) })
			deliver(addr, err)
		})
	}

	// The timer fires even if the browser ignores context cancellation.
	timeout := time.AfterFunc(c.config.ResolveTimeout, func() {
		finish(discovery.Address{}, ErrResolutionTimeout)
	})
	defer timeout.Stop()

	addr, err := c.browser.Resolve(ctx, handle)
	switch {
	case err == nil:
		finish(addr, nil)
	case errors.Is(err, context.DeadlineExceeded):
		finish(discovery.Address{}, ErrResolutionTimeout)
	default:
		finish(discovery.Address{}, fmt.Errorf("%w: %w", ErrResolutionFailed, err))
	}
}

// Owner-context half of resolution completion: clear the flag and, on
// success, record the address.
func (c *Controller) applyResolution(id uuid.UUID, addr discovery.Address, err error) {
	device := c.book.ByID(id)
	if device == nil {
		// Withdrawn (or table cleared) while resolving.
		return
	}
	device.Resolving = false

	if err != nil {
		c.appendLog(fmt.Sprintf("could not resolve %q: %v", device.Name, err))
		c.logger.Warn(
			"resolution did not complete",
			"name", device.Name,
			"err", err,
		)
		return
	}

	device.SetAddress(addr.IP, addr.Port)
	c.appendLog(fmt.Sprintf("resolved %q to %s", device.Name, addr))
	c.logger.Info(
		"device resolved",
		"name", device.Name,
		"address", addr,
	)
}
