package static

import (
	"embed"
)

// Frontend/Scripts are placeholders: no admin WebUI ships yet, but the
// admin HTTP surface can serve these once assets land here.

//go:embed all:frontend
var Frontend embed.FS

//go:embed all:scripts
var Scripts embed.FS
