package core

import (
	"fmt"
	"strings"
)

// ObjectType is a category of CRM record.
type ObjectType string

// Object type constants. Values match the CRM API path segments.
const (
	ObjectContacts  ObjectType = "contacts"
	ObjectCompanies ObjectType = "companies"
	ObjectDeals     ObjectType = "deals"
	ObjectTickets   ObjectType = "tickets"
	ObjectNotes     ObjectType = "notes"
	ObjectEmails    ObjectType = "emails"
	ObjectTasks     ObjectType = "tasks"
	ObjectMeetings  ObjectType = "meetings"
	ObjectCalls     ObjectType = "calls"
)

// AllObjectTypes returns every supported object type in default migration order.
// Parents come before the records that usually reference them.
func AllObjectTypes() []ObjectType {
	return []ObjectType{
		ObjectCompanies,
		ObjectContacts,
		ObjectDeals,
		ObjectTickets,
		ObjectNotes,
		ObjectEmails,
		ObjectTasks,
		ObjectMeetings,
		ObjectCalls,
	}
}

// ParseObjectType converts a string to an ObjectType.
// Singular forms ("contact") are accepted.
func ParseObjectType(s string) (ObjectType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, t := range AllObjectTypes() {
		if v == string(t) || v+"s" == string(t) || (t == ObjectCompanies && v == "company") {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown object type %q", s)
}

// ParseObjectTypes parses a comma-separated list of object types.
// "all" expands to AllObjectTypes.
func ParseObjectTypes(s string) ([]ObjectType, error) {
	if strings.TrimSpace(strings.ToLower(s)) == "all" {
		return AllObjectTypes(), nil
	}
	var out []ObjectType
	seen := make(map[ObjectType]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseObjectType(part)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no object types given")
	}
	return out, nil
}

// IsEngagement reports whether the type is an engagement object
// (notes, emails, tasks, meetings, calls).
func (t ObjectType) IsEngagement() bool {
	switch t {
	case ObjectNotes, ObjectEmails, ObjectTasks, ObjectMeetings, ObjectCalls:
		return true
	default:
		return false
	}
}

// CreatedProperty returns the property holding the record creation time.
func (t ObjectType) CreatedProperty() string {
	switch t {
	case ObjectContacts, ObjectCompanies, ObjectDeals:
		return "createdate"
	default:
		return "hs_createdate"
	}
}

// ModifiedProperty returns the property holding the last modification time.
func (t ObjectType) ModifiedProperty() string {
	if t == ObjectContacts {
		return "lastmodifieddate"
	}
	return "hs_lastmodifieddate"
}

// IDProperty is the property every object exposes with its portal id.
const IDProperty = "hs_object_id"

func (t ObjectType) String() string { return string(t) }
