// Package nginx provides pure functions for generating nginx reverse proxy
// site definitions.
//
// All functions are pure (no I/O, no side effects). The proxy configurator
// in internal/shell/proxy writes the rendered site to the remote host.
//
// # Functions
//
//   - RenderSite: render a server block routing a public port to a local upstream
//   - AvailablePath / EnabledPath: locations of a site definition
//
// # Usage
//
//	content := nginx.RenderSite(nginx.SiteParams{
//	    Name:         "shop",
//	    ListenPort:   80,
//	    UpstreamPort: 3000,
//	})
package nginx
