package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = BPSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

// BPSemVer is the semantic version of the block puller.
// Must be a string because scripts read this file.
const BPSemVer = "0.1.0"
