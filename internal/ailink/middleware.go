package ailink

import "github.com/namelens/headroom/internal/ailink/driver"

// Middleware decorates a RawDriver with a cross-cutting concern such as
// governing, retries or pacing.
type Middleware func(driver.RawDriver) driver.RawDriver

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner driver.RawDriver, mws ...Middleware) driver.RawDriver {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		out = mws[i](out)
	}
	return out
}
