package common

// File permission constants shared by working copies, scratch space and the record store
const (
	// FilePermissionSecure is used for the record store and configuration
	FilePermissionSecure = 0600

	// FilePermissionNormal is used for survey files written into working copies
	FilePermissionNormal = 0644

	// DirPermissionSecure is used for the record store directory
	DirPermissionSecure = 0700

	// DirPermissionNormal is used for working copies and scratch directories
	DirPermissionNormal = 0755
)
