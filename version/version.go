package version

// set with -ldflags "-X github.com/factorysh/maintenance/version.version=..."
var version = "dev"

// Version of the binary
func Version() string {
	return version
}
