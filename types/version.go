package types

// Version is the canonical project version.
// It is recorded in every catalog file a pack writes.
const Version = "0.3.0"

// Library is the generator name recorded alongside Version.
const Library = "runpack"
