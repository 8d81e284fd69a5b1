package pds

import (
	"fmt"
	"net/http"

	"github.com/driftpds/pds/internal/env"
)

const rootBanner = `
         __      _ ______
    ____/ /_____(_) __/ /_
   / __  / ___/ / /_/ __/
  / /_/ / /  / / __/ /_
  \__,_/_/  /_/_/  \__/

This is an AT Protocol Personal Data Server (aka, a PDS)

Most API routes are under /xrpc/

  Code: https://github.com/driftpds/pds
`

// handleRoot serves a plaintext banner so a human hitting the bare hostname
// in a browser gets something friendlier than a 404. Content-Type is left to
// the sniffer, which tags plain ASCII as text/plain with charset.
func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%s\n  Version: %s\n", rootBanner, env.Version)
}
