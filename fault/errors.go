package fault

import "errors"

// ErrInjected is the fixed error every consumed fault-table row
// produces. Ceph's do_fail_checks returns a fixed -1 regardless of
// which row matched; there is no per-call-site error value to thread
// through, so pre_fail/post_fail callers compare against this one
// sentinel with errors.Is.
var ErrInjected = errors.New("fault: injected failure")
