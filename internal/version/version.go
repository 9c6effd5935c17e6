package version

// Version is overridden at build time with -ldflags "-X contractai-go/internal/version.Version=...".
var Version = "dev"
