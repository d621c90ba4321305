package meta

import (
	"fmt"
	"runtime"
	"strings"
)

// Info is the build information of a Beacon binary.
type Info struct {
	Version   string `json:"version"`
	Build     string `json:"build"`
	Branch    string `json:"branch"`
	BuildTime string `json:"buildTime"`
	Platform  string `json:"platform"`
	GoVersion string `json:"goVersion"`
	GoTag     string `json:"goTag"`
}

// Set with -ldflags "-X github.com/luma/beacon/internal/meta.Version=..."
var (
	Version = "dev"

	// Build is the git sha.
	Build string

	Branch string

	// BuildTimeUTC as year/month/day hour:min:sec.
	BuildTimeUTC string

	// GoTag holds the build tags.
	GoTag string

	platform = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
)

func GetInfo() Info {
	return Info{
		GoVersion: runtime.Version(),
		Version:   Version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		GoTag:     GoTag,
		Platform:  platform,
	}
}

// String renders i for `beacon version`, leaving out unset fields.
func (i Info) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "beacon %s", i.Version)
	if i.Build != "" {
		fmt.Fprintf(&b, " (%s", i.Build)
		if i.Branch != "" {
			fmt.Fprintf(&b, " on %s", i.Branch)
		}
		b.WriteString(")")
	}
	if i.BuildTime != "" {
		fmt.Fprintf(&b, " built %s", i.BuildTime)
	}
	fmt.Fprintf(&b, "\n%s %s", i.GoVersion, i.Platform)
	if i.GoTag != "" {
		fmt.Fprintf(&b, " tags=%s", i.GoTag)
	}

	return b.String()
}
