package handlers

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

// DefaultBuildInfo is reported when main never supplied ldflags values.
var DefaultBuildInfo = BuildInfo{Name: "sendguard", Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// Backends names the drivers behind the engine.
type Backends struct {
	Store string `json:"store"`
	Cache string `json:"cache"`
}

// VersionResponse is the /version body.
type VersionResponse struct {
	App          BuildInfo         `json:"app"`
	Backends     *Backends         `json:"backends,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
	Runtime      RuntimeInfo       `json:"runtime"`
}

// RuntimeInfo describes the process.
type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// VersionHandler reports build, backend and runtime details. A zero
// backends value is left out of the body.
func VersionHandler(info BuildInfo, backends Backends) http.HandlerFunc {
	if info.Name == "" {
		info.Name = DefaultBuildInfo.Name
	}
	if info.Version == "" {
		info.Version = DefaultBuildInfo.Version
	}
	info.GoVersion = runtime.Version()

	var be *Backends
	if backends != (Backends{}) {
		be = &backends
	}

	return func(w http.ResponseWriter, r *http.Request) {
		deps := crucible.GetVersion()
		response := VersionResponse{
			App:      info,
			Backends: be,
			Dependencies: map[string]string{
				"gofulmen": deps.Gofulmen,
				"crucible": deps.Crucible,
			},
			Runtime: RuntimeInfo{
				Platform:      runtime.GOOS + "/" + runtime.GOARCH,
				NumCPU:        runtime.NumCPU(),
				NumGoroutines: runtime.NumGoroutine(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
