// Package crm holds the client registry and the error taxonomy shared by
// every CRM portal client.
//
// Clients register a factory under a type name in their init() function:
//
//	func init() {
//		crm.Register("hubspot", New)
//	}
//
// and callers select one with NewClient(cfg, logger). Client methods return
// the typed errors defined here so retry and classification can be decided
// without knowing the transport.
package crm
