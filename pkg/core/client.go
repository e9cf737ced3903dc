package core

import (
	"context"
	"time"
)

// Client is the typed contract for a CRM portal. Implementations return the
// error types in pkg/crm so callers can classify failures.
type Client interface {
	// List returns one page of records in portal order.
	List(ctx context.Context, t ObjectType, req ListRequest) (*Page, error)

	// Search returns one page of records matching all filters.
	Search(ctx context.Context, t ObjectType, req SearchRequest) (*Page, error)

	// Get reads a single record.
	Get(ctx context.Context, t ObjectType, id string, req GetRequest) (*RemoteObject, error)

	// Create creates a record and returns it with its new id.
	Create(ctx context.Context, t ObjectType, properties map[string]string) (*RemoteObject, error)

	// Update patches the given properties on an existing record.
	Update(ctx context.Context, t ObjectType, id string, properties map[string]string) (*RemoteObject, error)

	// Delete archives a record.
	Delete(ctx context.Context, t ObjectType, id string) error

	// Associate links two target records.
	Associate(ctx context.Context, link AssociationLink) error
}

// ClientConfig selects and configures a Client implementation.
type ClientConfig struct {
	Type    string
	BaseURL string
	Token   string
	Timeout time.Duration
}

// ListRequest pages through all records of a type.
type ListRequest struct {
	Limit        int
	After        string
	Properties   []string
	Associations []ObjectType
}

// GetRequest selects what a single-record read returns.
type GetRequest struct {
	Properties   []string
	Associations []ObjectType
}

// SearchRequest pages through records matching filters.
type SearchRequest struct {
	Filters    []Filter
	SortBy     string
	Properties []string
	Limit      int
	After      string
}

// Page is one page of results. After is the opaque cursor of the next page;
// it is empty on the last page.
type Page struct {
	Results []RemoteObject
	After   string
	Total   int
}

// RemoteObject is a record as stored in a portal.
type RemoteObject struct {
	ID           string
	Properties   map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Associations map[ObjectType][]string
}

// AssociationLink is an association between two records of one portal.
type AssociationLink struct {
	FromType ObjectType
	FromID   string
	ToType   ObjectType
	ToID     string
	Category string
	TypeID   int
}
