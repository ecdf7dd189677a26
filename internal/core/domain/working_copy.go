package domain

// WorkingCopy is the local checkout of the application at the configured branch.
// It is produced once per run by the source fetcher and never mutated afterwards.
type WorkingCopy struct {
	Dir      string
	RepoName string
	Branch   string
	Revision string
}
