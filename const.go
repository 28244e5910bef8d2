package probe

import (
	"github.com/moonblokz/probe/internal/config"
	"github.com/moonblokz/probe/pkg/firmware"
)

// Version is stamped at build time with -ldflags "-X github.com/moonblokz/probe.Version=...".
var Version = "dev"

// Environment variable names understood by the daemon. They are re-exported
// here so deployment tooling can depend on the root package only.
const (
	EnvUSBPort             = config.EnvUSBPort
	EnvServerURL           = config.EnvServerURL
	EnvAPIKey              = config.EnvAPIKey
	EnvNodeID              = config.EnvNodeID
	EnvNodeFirmwareURL     = config.EnvNodeFirmwareURL
	EnvProbeFirmwareURL    = config.EnvProbeFirmwareURL
	EnvDeployedDir         = config.EnvDeployedDir
	EnvJournalPath         = config.EnvJournalPath
	EnvUpdateCheckInterval = config.EnvUpdateCheckInterval
	EnvLogLevel            = config.EnvLogLevel
)

// Artifact naming shared with the firmware distribution server.
const (
	NodeArtifactPrefix  = firmware.NodeArtifactPrefix
	NodeArtifactSuffix  = firmware.NodeArtifactSuffix
	ProbeArtifactPrefix = firmware.ProbeArtifactPrefix
)
