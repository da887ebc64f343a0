package bus

import "github.com/leo-huovi/remdis/internal/errs"

// ErrClosed is returned by Publish/Subscribe once the bus has been
// closed.
var ErrClosed = errs.New(errs.KindShutdown, "bus", nil)
