//go:build screen

package devices

// The screen driver needs X11 headers on Linux, so it is opt-in.
import _ "github.com/pion/mediadevices/pkg/driver/screen"
