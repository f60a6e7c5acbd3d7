package util

// Ptr returns a pointer to v, for optional fields such as filters and config overrides.
func Ptr[T any](v T) *T {
	return &v
}
