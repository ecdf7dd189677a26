package nginx

import (
	"fmt"
	"path"
	"strings"
)

const (
	// SitesAvailableDir holds every site definition.
	SitesAvailableDir = "/etc/nginx/sites-available"
	// SitesEnabledDir holds links to the served site definitions.
	SitesEnabledDir = "/etc/nginx/sites-enabled"
	// DefaultSiteName is the catch-all site shipped by the Debian package.
	DefaultSiteName = "default"
)

// SiteParams contains the parameters for rendering a site definition.
type SiteParams struct {
	Name         string
	ListenPort   int
	UpstreamPort int
}

// AvailablePath returns the sites-available location of a site.
func AvailablePath(name string) string {
	return path.Join(SitesAvailableDir, name)
}

// EnabledPath returns the sites-enabled location of a site.
func EnabledPath(name string) string {
	return path.Join(SitesEnabledDir, name)
}

// RenderSite renders a server block that forwards all traffic on the listen
// port to localhost:UpstreamPort.
//
// Upgrade and Connection headers are forwarded so websocket traffic passes
// through, and the usual forwarded-address headers are set.
func RenderSite(p SiteParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# managed by stagehand: %s\n", p.Name)
	b.WriteString("server {\n")
	fmt.Fprintf(&b, "    listen %d;\n", p.ListenPort)
	fmt.Fprintf(&b, "    listen [::]:%d;\n", p.ListenPort)
	b.WriteString("    server_name _;\n\n")
	b.WriteString("    location / {\n")
	fmt.Fprintf(&b, "        proxy_pass http://localhost:%d;\n", p.UpstreamPort)
	b.WriteString("        proxy_http_version 1.1;\n")
	b.WriteString("        proxy_set_header Upgrade $http_upgrade;\n")
	b.WriteString("        proxy_set_header Connection 'upgrade';\n")
	b.WriteString("        proxy_set_header Host $host;\n")
	b.WriteString("        proxy_set_header X-Real-IP $remote_addr;\n")
	b.WriteString("        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	b.WriteString("        proxy_set_header X-Forwarded-Proto $scheme;\n")
	b.WriteString("        proxy_cache_bypass $http_upgrade;\n")
	b.WriteString("    }\n")
	b.WriteString("}\n")
	return b.String()
}
