package network

import "errors"

var (
	// Address allocation errors
	ErrSubnetPoolExhausted = errors.New("no free subnet left in pool")
	ErrIPPoolExhausted     = errors.New("no available IP addresses in group subnet")
	ErrIPNotAllocated      = errors.New("IP address is not currently allocated")

	// Group errors
	ErrGroupNotFound = errors.New("group not found")
	ErrGroupInUse    = errors.New("group still has sandboxes")
	ErrInvalidReach  = errors.New("invalid reach policy")

	// Port mapping errors
	ErrHostPortInUse       = errors.New("host port is already in use")
	ErrInvalidPort         = errors.New("invalid port number (must be 1-65535)")
	ErrPortsNotAllowed     = errors.New("port mappings require reach public or any")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")

	// Link errors
	ErrBridgeCreateFailed = errors.New("failed to create bridge device")
	ErrTAPCreateFailed    = errors.New("failed to create TAP device")

	// Packet filter errors
	ErrFilterSetupFailed  = errors.New("failed to setup packet filter rules")
	ErrForwardingDisabled = errors.New("IP forwarding is disabled")
)
