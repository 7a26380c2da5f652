//go:build darwin

package platform

// No exit tracepoint on Darwin; the monitor falls back to polling.
func newExitSource() (ExitSource, error) {
	return nil, ErrUnsupported
}
