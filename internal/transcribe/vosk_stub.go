//go:build !vosk

package transcribe

import "fmt"

// NewVoskEngine reports the offline runtime as unavailable. Build with
// -tags vosk (and libvosk installed) to enable it.
func NewVoskEngine() (Engine, error) {
	return nil, fmt.Errorf("%w: built without vosk support", ErrRuntimeUnavailable)
}
