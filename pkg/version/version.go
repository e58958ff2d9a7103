package version

import "fmt"

// Version indicates what release of the utilities the binary belongs to
var Version string

// GitCommit indicates which git commit the binary was built from
var GitCommit string

// String returns a pretty string concatenation of Version and GitCommit
func String() string {
	return fmt.Sprintf("Version:    %s\nGit commit: %s\n", Version, GitCommit)
}

// Full returns a hyphenated concatenation of Version and GitCommit
func Full() string {
	return fmt.Sprintf("%s-%s", Version, GitCommit)
}
