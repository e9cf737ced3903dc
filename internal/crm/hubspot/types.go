package hubspot

import (
	"time"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

type objectResponse struct {
	ID           string                        `json:"id"`
	Properties   map[string]*string            `json:"properties"`
	CreatedAt    time.Time                     `json:"createdAt"`
	UpdatedAt    time.Time                     `json:"updatedAt"`
	Associations map[string]associationResults `json:"associations,omitempty"`
}

type associationResults struct {
	Results []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"results"`
}

type paging struct {
	Next *struct {
		After string `json:"after"`
	} `json:"next,omitempty"`
}

type pageResponse struct {
	Total   int              `json:"total"`
	Results []objectResponse `json:"results"`
	Paging  *paging          `json:"paging,omitempty"`
}

type propertiesBody struct {
	Properties map[string]string `json:"properties"`
}

type filterGroup struct {
	Filters []core.Filter `json:"filters"`
}

type sortSpec struct {
	PropertyName string `json:"propertyName"`
	Direction    string `json:"direction"`
}

type searchBody struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Sorts        []sortSpec    `json:"sorts,omitempty"`
	Properties   []string      `json:"properties,omitempty"`
	Limit        int           `json:"limit"`
	After        string        `json:"after,omitempty"`
}

type associationSpec struct {
	Category string `json:"associationCategory"`
	TypeID   int    `json:"associationTypeId"`
}

type errorResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	Category      string `json:"category"`
	CorrelationID string `json:"correlationId"`
}

func (o objectResponse) toRemote() core.RemoteObject {
	props := make(map[string]string, len(o.Properties))
	for k, v := range o.Properties {
		if v != nil {
			props[k] = *v
		}
	}
	remote := core.RemoteObject{
		ID:         o.ID,
		Properties: props,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
	if len(o.Associations) > 0 {
		remote.Associations = make(map[core.ObjectType][]string, len(o.Associations))
		for name, assoc := range o.Associations {
			t, err := core.ParseObjectType(name)
			if err != nil {
				continue
			}
			for _, r := range assoc.Results {
				remote.Associations[t] = appendUnique(remote.Associations[t], r.ID)
			}
		}
	}
	return remote
}

func (p pageResponse) toPage() *core.Page {
	page := &core.Page{Total: p.Total, Results: make([]core.RemoteObject, 0, len(p.Results))}
	for _, o := range p.Results {
		page.Results = append(page.Results, o.toRemote())
	}
	if p.Paging != nil && p.Paging.Next != nil {
		page.After = p.Paging.Next.After
	}
	return page
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
