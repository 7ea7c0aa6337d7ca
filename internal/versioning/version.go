package versioning

var (
	// ApplicationVersion is set at build time with
	// -ldflags "-X github.com/masa-finance/scan-worker/internal/versioning.ApplicationVersion=..."
	ApplicationVersion = "dev"

	// WorkerVersion is bumped when the scan protocol between worker and
	// sandbox changes.
	WorkerVersion = "1"
)
