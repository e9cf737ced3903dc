package hubspot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// MaxPageSize is the largest page the object APIs accept.
const MaxPageSize = 100

func objectsPath(t core.ObjectType) string {
	return "/crm/v3/objects/" + url.PathEscape(string(t))
}

func pageSize(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func joinTypes(types []core.ObjectType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}

// List implements core.Client.
func (c *Client) List(ctx context.Context, t core.ObjectType, req core.ListRequest) (*core.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize(req.Limit)))
	q.Set("archived", "false")
	if req.After != "" {
		q.Set("after", req.After)
	}
	if len(req.Properties) > 0 {
		q.Set("properties", strings.Join(req.Properties, ","))
	}
	if len(req.Associations) > 0 {
		q.Set("associations", joinTypes(req.Associations))
	}

	var resp pageResponse
	if err := c.doRequest(ctx, http.MethodGet, objectsPath(t)+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t, err)
	}
	return resp.toPage(), nil
}

// Search implements core.Client. All filters are combined in one filter group.
func (c *Client) Search(ctx context.Context, t core.ObjectType, req core.SearchRequest) (*core.Page, error) {
	body := searchBody{
		FilterGroups: []filterGroup{},
		Properties:   req.Properties,
		Limit:        pageSize(req.Limit),
		After:        req.After,
	}
	if len(req.Filters) > 0 {
		body.FilterGroups = append(body.FilterGroups, filterGroup{Filters: req.Filters})
	}
	if req.SortBy != "" {
		body.Sorts = []sortSpec{{PropertyName: req.SortBy, Direction: "ASCENDING"}}
	}

	var resp pageResponse
	if err := c.doRequest(ctx, http.MethodPost, objectsPath(t)+"/search", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", t, err)
	}
	return resp.toPage(), nil
}

// Get implements core.Client.
func (c *Client) Get(ctx context.Context, t core.ObjectType, id string, req core.GetRequest) (*core.RemoteObject, error) {
	path := objectsPath(t) + "/" + url.PathEscape(id)
	q := url.Values{}
	if len(req.Properties) > 0 {
		q.Set("properties", strings.Join(req.Properties, ","))
	}
	if len(req.Associations) > 0 {
		q.Set("associations", joinTypes(req.Associations))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp objectResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", t, id, err)
	}
	remote := resp.toRemote()
	return &remote, nil
}

// Create implements core.Client.
func (c *Client) Create(ctx context.Context, t core.ObjectType, properties map[string]string) (*core.RemoteObject, error) {
	var resp objectResponse
	if err := c.doRequest(ctx, http.MethodPost, objectsPath(t), propertiesBody{Properties: properties}, &resp); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", t, err)
	}
	remote := resp.toRemote()
	return &remote, nil
}

// Update implements core.Client.
func (c *Client) Update(ctx context.Context, t core.ObjectType, id string, properties map[string]string) (*core.RemoteObject, error) {
	var resp objectResponse
	path := objectsPath(t) + "/" + url.PathEscape(id)
	if err := c.doRequest(ctx, http.MethodPatch, path, propertiesBody{Properties: properties}, &resp); err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", t, id, err)
	}
	remote := resp.toRemote()
	return &remote, nil
}

// Delete implements core.Client. Deleted records are archived by the portal.
func (c *Client) Delete(ctx context.Context, t core.ObjectType, id string) error {
	path := objectsPath(t) + "/" + url.PathEscape(id)
	if err := c.doRequest(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t, id, err)
	}
	return nil
}

// Associate implements core.Client. A zero TypeID creates the default
// association between the two object types.
func (c *Client) Associate(ctx context.Context, link core.AssociationLink) error {
	from := fmt.Sprintf("/crm/v4/objects/%s/%s/associations", url.PathEscape(string(link.FromType)), url.PathEscape(link.FromID))
	to := fmt.Sprintf("%s/%s", url.PathEscape(string(link.ToType)), url.PathEscape(link.ToID))

	var err error
	if link.TypeID == 0 {
		err = c.doRequest(ctx, http.MethodPut, from+"/default/"+to, nil, nil)
	} else {
		category := link.Category
		if category == "" {
			category = core.AssociationCategoryDefined
		}
		err = c.doRequest(ctx, http.MethodPut, from+"/"+to, []associationSpec{{Category: category, TypeID: link.TypeID}}, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to associate %s %s with %s %s: %w", link.FromType, link.FromID, link.ToType, link.ToID, err)
	}
	return nil
}
