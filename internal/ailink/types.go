package ailink

import "github.com/namelens/headroom/internal/core"

// RequestError captures a failed request without breaking a batch run.
type RequestError = core.RequestError
