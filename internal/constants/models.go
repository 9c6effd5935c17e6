package constants

const (
	// DefaultPrimaryModel is bound only for shared pool fast path results.
	DefaultPrimaryModel = "gemini-2.5-pro"
	// DefaultModel is bound for every other tier.
	DefaultModel = "gemini-2.5-flash"
	// DefaultVertexLocation is used when a backend setting omits a location.
	DefaultVertexLocation = "us-central1"
)
