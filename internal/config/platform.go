package config

import (
	"os"
	"runtime"
)

// Platform describes the detected host platform.
type Platform struct {
	OS   string // runtime.GOOS
	Arch string // runtime.GOARCH

	// KVM reports whether the hardware acceleration device is present.
	// Without it the guest runs under software emulation.
	KVM bool
}

// DetectPlatform inspects the host. kvmDevice is usually /dev/kvm.
func DetectPlatform(kvmDevice string) *Platform {
	p := &Platform{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
	if kvmDevice != "" {
		if _, err := os.Stat(kvmDevice); err == nil {
			p.KVM = true
		}
	}
	return p
}
