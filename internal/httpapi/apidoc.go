package httpapi

import _ "embed"

// openAPIDoc is the Swagger 2.0 document for every route NewMux serves.
// The swagger build registers it with swag; tests check it covers the router.
//
//go:embed openapi.json
var openAPIDoc string
