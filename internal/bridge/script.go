package bridge

import _ "embed"

// companionScript is the Node.js service materialized into the session
// directory on first start. It wraps whatsapp-web.js behind the local HTTP
// protocol that Client speaks; the gateway never reaches into it beyond
// that protocol.
//
//go:embed companion/whatsapp_service.js
var companionScript []byte
