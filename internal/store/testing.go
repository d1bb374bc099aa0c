package store

// OpenMemory opens an in-memory shared-cache database, handy for component
// tests that need a real SQL engine without touching disk. Every open in the
// same process reaches the same database while any connection to it is
// still open.
func OpenMemory() (*SQLiteStore, error) {
	return Open("file::memory:?cache=shared")
}
