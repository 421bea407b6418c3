package firecracker

// BackendName is the name used when registering with the backend registry.
const BackendName = "firecracker"

// DefaultBootArgs are the kernel boot arguments for the microVM.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

// GuestAgentPath is the path to the vessel-guest binary inside the rootfs.
const GuestAgentPath = "/usr/local/bin/vessel-guest"

// Default vsock settings. CIDs 0-2 are reserved by the vsock address family.
const DefaultCID uint32 = 3

// Default machine resources.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 512
)

// Socket file names created under the backend's socket directory.
const (
	vmSocketName    = "firecracker.sock"
	vsockSocketName = "vsock.sock"
)

// Device identifiers in the Firecracker machine configuration.
const (
	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"
)
