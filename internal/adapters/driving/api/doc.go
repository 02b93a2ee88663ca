// Package api provides the HTTP adapter for kbsearch.
//
// Routes are scoped by namespace:
//
//	GET    /healthz
//	GET    /v1/config
//	PUT    /v1/config
//	POST   /v1/{tenant}/{project}/index
//	GET    /v1/{tenant}/{project}/status
//	POST   /v1/{tenant}/{project}/search
//	POST   /v1/{tenant}/{project}/retrieve
//	POST   /v1/{tenant}/{project}/chunks
//	DELETE /v1/{tenant}/{project}/sources/{sourceID}
//
// Every response uses the APIResponse envelope.
package api
