// Package repositories persists projects, members, mind-map nodes, the
// associative line index and the edit log. The Postgres implementations read
// their connection from the tenant scope in the context; the in-memory ones
// ignore it.
package repositories

// Repositories bundles one implementation of every repository.
type Repositories struct {
	Projects ProjectRepository
	Members  MemberRepository
	Nodes    NodeRepository
	Lines    AssociativeLineRepository
	EditLog  EditLogRepository
}

// NewPostgresRepositories returns the PostgreSQL-backed repositories.
func NewPostgresRepositories() *Repositories {
	return &Repositories{
		Projects: NewProjectRepository(),
		Members:  NewMemberRepository(),
		Nodes:    NewNodeRepository(),
		Lines:    NewAssociativeLineRepository(),
		EditLog:  NewEditLogRepository(),
	}
}
