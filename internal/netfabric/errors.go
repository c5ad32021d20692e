package netfabric

import "errors"

var (
	ErrNFTablesConn  = errors.New("netfabric: nftables connection")
	ErrNFTablesApply = errors.New("netfabric: nftables apply")
	ErrBridgeCreate  = errors.New("netfabric: create bridge")
	ErrBridgeUp      = errors.New("netfabric: bring bridge up")
	ErrForwarding    = errors.New("netfabric: enable ipv4 forwarding")
	ErrTAPCreate     = errors.New("netfabric: create TAP device")
	ErrTAPConfigure  = errors.New("netfabric: configure TAP interface")
	ErrTAPAttach     = errors.New("netfabric: attach TAP to bridge")
	ErrTAPDelete     = errors.New("netfabric: delete TAP interface")
	ErrInterfaceNotFound = errors.New("netfabric: interface not found")
)
