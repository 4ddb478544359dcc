package transport

import "github.com/remimikalsen/sparebank1-pengerobot/core"

// requestError covers requests that never left the process: a missing
// client, a malformed url. Retrying them cannot help.
func requestError(message string, req core.TransportRequest) error {
	return core.NewInternalError("transport: "+message).
		WithMetadata(map[string]any{"method": req.Method, "url": req.URL})
}

// exchangeError marks a failed round trip with the bank. The caller may
// retry it.
func exchangeError(cause error, operation string, metadata map[string]any) error {
	err := core.NewNetworkFailureError(operation, cause)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}
