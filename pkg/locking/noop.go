package locking

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately, so two concurrent cache
// misses for the same key both hit the plug-in server and the last write
// wins. This is the client's default.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error) {
	v, err = fn()
	return v, err
}
