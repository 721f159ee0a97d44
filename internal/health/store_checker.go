package health

import "context"

// WritableStore is the part of the state store the checker needs.
type WritableStore interface {
	Writable(ctx context.Context) error
	Root() string
}

// StoreChecker verifies the state directory accepts writes. Every
// operation persists plans, executions or audit entries there.
type StoreChecker struct {
	store WritableStore
}

func NewStoreChecker(store WritableStore) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string {
	return "state-store"
}

func (c *StoreChecker) Check(ctx context.Context) *Result {
	if err := c.store.Writable(ctx); err != nil {
		return Unhealthy("state directory is not writable").
			WithDetail("root", c.store.Root()).
			WithDetail("error", err.Error())
	}
	return Healthy("state directory is writable").WithDetail("root", c.store.Root())
}
