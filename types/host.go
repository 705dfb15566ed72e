package types

// CPUInfo describes the placement of a single logical CPU in the host's
// topology, as reported by the Hypervisor Driver's GetCPUTopology.
type CPUInfo struct {
	Core   uint32 `json:"core"`
	Socket uint32 `json:"socket"`
	Node   uint32 `json:"node"`
	Thread uint32 `json:"thread"`
	Class  string `json:"class"`
}

// HostStatus is the host identity + addressing returned by GetHostStatus.
type HostStatus struct {
	HostUUID  string   `json:"host_uuid"`
	Hostname  string   `json:"hostname"`
	Addresses []string `json:"addresses"`
}

// PowerManagementPolicy is the request body for SetHostPowerManagementPolicy.
type PowerManagementPolicy struct {
	Scheduler    string `json:"scheduler"`
	SMTAwareness bool   `json:"smt_awareness"`
}
