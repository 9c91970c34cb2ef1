package classify

import "log/slog"

// WithLogger overrides the logger used for diagnostic output.
func WithLogger(logger *slog.Logger) func(*Classifier) {
	return func(c *Classifier) {
		c.log = logger
	}
}

// WithRegistry replaces the refiner registry.
func WithRegistry(reg *Registry) func(*Classifier) {
	return func(c *Classifier) {
		if reg != nil {
			c.hooks = reg
		}
	}
}

// WithNameResolver replaces how master indices are resolved to names. The
// default consults only the interface cache.
func WithNameResolver(resolver NameResolver) func(*Classifier) {
	return func(c *Classifier) {
		if resolver != nil {
			c.names = resolver
		}
	}
}

// WithDefaultVRF sets the id of the VRF whose interfaces are cached.
func WithDefaultVRF(id uint32) func(*Classifier) {
	return func(c *Classifier) {
		c.defaultVRF = id
	}
}
