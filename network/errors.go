package network

import "errors"

var (
	// ErrConnectFailed indicates the peer could not be reached.
	ErrConnectFailed = errors.New("network: connect failed")
	// ErrTransferFailed indicates the connection ended before the declared bytes arrived.
	ErrTransferFailed = errors.New("network: transfer failed")
	// ErrFileNotOffered indicates the requested name is absent from the shared file registry.
	ErrFileNotOffered = errors.New("network: file not offered")
	// ErrListenerError indicates a listener could not bind or accept.
	ErrListenerError = errors.New("network: listener error")
)
