package hypervisor

// BootSource is the /boot-source request body.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args,omitempty"`
}

// Drive is the /drives/{id} request body.
type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

// MachineConfig is the /machine-config request body.
type MachineConfig struct {
	VcpuCount  int `json:"vcpu_count"`
	MemSizeMiB int `json:"mem_size_mib"`
}

// NetworkInterface is the /network-interfaces/{id} request body.
type NetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMAC    string `json:"guest_mac,omitempty"`
}

// VsockDevice is the /vsock request body.
type VsockDevice struct {
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// EntropyDevice is the /entropy request body.
type EntropyDevice struct{}

// instanceAction is the /actions request body.
type instanceAction struct {
	ActionType string `json:"action_type"`
}

const (
	actionStart        = "InstanceStart"
	actionCtrlAltDel    = "SendCtrlAltDel"
)

// InstanceInfo is the GET / response body.
type InstanceInfo struct {
	State      string `json:"state"`
	VMMVersion string `json:"vmm_version"`
}

// errorResponse is the hypervisor's structured fault payload.
type errorResponse struct {
	FaultMessage string `json:"fault_message"`
}
