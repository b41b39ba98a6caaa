// Package brand provides centralized branding constants for gatekeep.
//
// The brand identity is loaded from brand.json at compile time via go:embed
// so scripts and docs generators can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information.
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	ConfigFileName   string `json:"configFileName"`
	BinaryName       string `json:"binaryName"`
	ServiceName      string `json:"serviceName"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	ConfigFileName = b.ConfigFileName
	BinaryName = b.BinaryName
	ServiceName = b.ServiceName
}

// Exported variables for convenience.
var (
	Name             string
	LowerName        string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	ConfigFileName   string
	BinaryName       string
	ServiceName      string

	// Version is set at build time via -ldflags.
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Get returns the full Brand struct.
func Get() Brand {
	return b
}

// UserAgent returns a User-Agent string for HTTP requests.
func UserAgent() string {
	return Name + "/" + Version
}

// DefaultConfigPath returns the config file path, checking env vars first.
func DefaultConfigPath() string {
	if path := os.Getenv(ConfigEnvPrefix + "_CONFIG"); path != "" {
		return path
	}
	return DefaultConfigDir + "/" + ConfigFileName
}
