package ble

import "errors"

// Session failures. Every one of them is also recorded in Snapshot.Err so a
// caller can poll instead of handling returns.
var (
	ErrModuleUnavailable      = errors.New("bluetooth module unavailable")
	ErrPermissionDenied       = errors.New("bluetooth permissions not granted")
	ErrPoweredOff             = errors.New("bluetooth is not enabled, enable it in settings")
	ErrNotFound               = errors.New("device not found")
	ErrScan                   = errors.New("scan failed")
	ErrAlreadyInProgress      = errors.New("a scan or connect is already in progress")
	ErrConnectFailed          = errors.New("failed to connect to device")
	ErrServiceNotFound        = errors.New("service not found")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
	ErrMonitor                = errors.New("monitor error")
	ErrLinkLost               = errors.New("device disconnected")
	ErrCanceled               = errors.New("operation canceled by disconnect")

	ErrSessionExists = errors.New("ble: a sensor session is already open")
	ErrSessionClosed = errors.New("ble: session closed")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrModuleUnavailable, "module_unavailable"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrPoweredOff, "powered_off"},
	{ErrNotFound, "not_found"},
	{ErrScan, "scan_error"},
	{ErrAlreadyInProgress, "in_progress"},
	{ErrConnectFailed, "connect_failed"},
	{ErrServiceNotFound, "service_not_found"},
	{ErrCharacteristicNotFound, "characteristic_not_found"},
	{ErrMonitor, "monitor_error"},
	{ErrLinkLost, "link_lost"},
	{ErrCanceled, "canceled"},
	{ErrSessionClosed, "closed"},
}

// Kind returns a short stable label for err, for metrics. Unknown errors map
// to "other" and nil to "".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "other"
}
