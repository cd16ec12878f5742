// Package manifest defines the on-disk system manifest: a typed tree whose
// JSON form uses camelCase keys with a few explicit size-suffixed renames.
// Unknown fields are ignored by encoding/json; missing optional sections
// simply decode to their zero value, which this package treats as the
// well-defined default (empty generation record, empty file inventory, no
// system profile) so manifests written by older versions stay loadable.
package manifest

import (
	"path/filepath"

	"github.com/redoxnix/guestagent/pkg/errors"
)

// Manifest is the complete declarative description of one system
// generation: what packages, configuration, drivers, accounts, and services
// should be present.
type Manifest struct {
	ManifestVersion int            `json:"manifestVersion"`
	System          SystemInfo     `json:"system"`
	Generation      GenerationInfo `json:"generation"`
	Configuration   Configuration  `json:"configuration"`
	Packages        []Package           `json:"packages"`
	Drivers         Drivers             `json:"drivers"`
	Users           map[string]User     `json:"users"`
	Groups          map[string]Group    `json:"groups"`
	Services        Services            `json:"services"`
	Files           map[string]FileInfo `json:"files,omitempty"`
	SystemProfile   string              `json:"systemProfile,omitempty"`
}

// SystemInfo identifies the target platform this manifest was built for.
type SystemInfo struct {
	RedoxSystemVersion string `json:"redoxSystemVersion"`
	Target             string `json:"target"`
	Profile            string `json:"profile"`
	Hostname           string `json:"hostname"`
	Timezone           string `json:"timezone"`
}

// GenerationInfo records the identity of the generation this manifest
// belongs to. Missing on old manifests; defaults to the zero value.
type GenerationInfo struct {
	ID          uint64 `json:"id"`
	BuildHash   string `json:"buildHash"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

// Configuration groups the declarative system-level settings.
type Configuration struct {
	Boot       BootConfig       `json:"boot"`
	Hardware   HardwareConfig   `json:"hardware"`
	Networking NetworkingConfig `json:"networking"`
	Graphics   GraphicsConfig   `json:"graphics"`
	Security   SecurityConfig   `json:"security"`
	Logging    LoggingConfig    `json:"logging"`
	Power      PowerConfig      `json:"power"`
}

// BootConfig controls boot-critical, reboot-gated settings.
type BootConfig struct {
	DiskSizeMB int `json:"diskSizeMB"`
	EspSizeMB  int `json:"espSizeMB"`
}

// HardwareConfig lists the driver sets relevant to the running hardware.
type HardwareConfig struct {
	StorageDrivers  []string `json:"storageDrivers"`
	NetworkDrivers  []string `json:"networkDrivers"`
	GraphicsDrivers []string `json:"graphicsDrivers"`
	AudioDrivers    []string `json:"audioDrivers"`
	USBEnabled      bool     `json:"usbEnabled"`
}

// NetworkingConfig controls network bring-up.
type NetworkingConfig struct {
	Enabled bool     `json:"enabled"`
	Mode    string   `json:"mode"`
	DNS     []string `json:"dns"`
}

// GraphicsConfig controls the display server.
type GraphicsConfig struct {
	Enabled    bool   `json:"enabled"`
	Resolution string `json:"resolution"`
}

// SecurityConfig controls access-control policy.
type SecurityConfig struct {
	ProtectKernelSchemes bool `json:"protectKernelSchemes"`
	RequirePasswords     bool `json:"requirePasswords"`
	AllowRemoteRoot      bool `json:"allowRemoteRoot"`
}

// LoggingConfig controls log verbosity and retention.
type LoggingConfig struct {
	LogLevel       string `json:"logLevel"`
	KernelLogLevel string `json:"kernelLogLevel"`
	LogToFile      bool   `json:"logToFile"`
	MaxLogSizeMB   int    `json:"maxLogSizeMB"`
}

// PowerConfig controls ACPI and panic behaviour.
type PowerConfig struct {
	AcpiEnabled   bool   `json:"acpiEnabled"`
	PowerAction   string `json:"powerAction"`
	RebootOnPanic bool   `json:"rebootOnPanic"`
}

// Package is one managed package: a name, a version, and the store path
// that provides it.
type Package struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	StorePath string `json:"storePath"`
}

// Drivers lists the driver sets by role.
type Drivers struct {
	All    []string `json:"all"`
	Initfs []string `json:"initfs"`
	Core   []string `json:"core"`
}

// User is one managed account.
type User struct {
	UID   int    `json:"uid"`
	GID   int    `json:"gid"`
	Home  string `json:"home"`
	Shell string `json:"shell"`
}

// Group is one managed group.
type Group struct {
	GID     int      `json:"gid"`
	Members []string `json:"members"`
}

// Services lists init scripts and the startup script path.
type Services struct {
	InitScripts   []string `json:"initScripts"`
	StartupScript string   `json:"startupScript"`
}

// FileInfo records the expected content hash, size, and mode of one
// managed config file, keyed by its path relative to the filesystem root.
type FileInfo struct {
	Blake3 string `json:"blake3"`
	Size   int64  `json:"size"`
	Mode   string `json:"mode"`
}

// Validate checks the invariants that apply on use rather than on parse:
// package store paths, if present, must be syntactically valid, and a
// user's gid must match its group's gid when both are populated.
func (m Manifest) Validate() error {
	for _, pkg := range m.Packages {
		if pkg.StorePath == "" {
			continue
		}
		if !filepath.IsAbs(pkg.StorePath) {
			return errors.NewError(errors.ErrCodePathInvalid, "package store path is not absolute").
				WithComponent("manifest").WithDetail("package", pkg.Name).WithDetail("storePath", pkg.StorePath)
		}
	}

	for name, u := range m.Users {
		g, ok := m.Groups[name]
		if !ok {
			continue
		}
		if u.GID != g.GID {
			return errors.NewError(errors.ErrCodeManifestCorrupt, "user gid does not match group gid").
				WithComponent("manifest").WithDetail("user", name).
				WithDetail("userGid", u.GID).WithDetail("groupGid", g.GID)
		}
	}

	return nil
}
