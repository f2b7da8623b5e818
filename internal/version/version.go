package version

// Version is the current version of flatbridge.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.4.0"

// Name is the application name.
const Name = "flatbridge"

// Description is a short description of the application.
const Description = "Move tables between a columnar database and delimited files"
