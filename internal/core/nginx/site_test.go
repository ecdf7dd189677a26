package nginx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// RenderSite Tests
// =============================================================================

func TestRenderSite_RoutesToUpstream(t *testing.T) {
	site := RenderSite(SiteParams{Name: "shop", ListenPort: 80, UpstreamPort: 3000})

	assert.Contains(t, site, "listen 80;")
	assert.Contains(t, site, "listen [::]:80;")
	assert.Contains(t, site, "proxy_pass http://localhost:3000;")
}

func TestRenderSite_ForwardsHeaders(t *testing.T) {
	site := RenderSite(SiteParams{Name: "shop", ListenPort: 80, UpstreamPort: 8080})

	for _, directive := range []string{
		"proxy_http_version 1.1;",
		"proxy_set_header Upgrade $http_upgrade;",
		"proxy_set_header Connection 'upgrade';",
		"proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;",
		"proxy_set_header X-Forwarded-Proto $scheme;",
		"proxy_cache_bypass $http_upgrade;",
	} {
		assert.Contains(t, site, directive)
	}
}

func TestRenderSite_BalancedBraces(t *testing.T) {
	site := RenderSite(SiteParams{Name: "shop", ListenPort: 8081, UpstreamPort: 5000})
	assert.Equal(t, strings.Count(site, "{"), strings.Count(site, "}"))
}

func TestSitePaths(t *testing.T) {
	assert.Equal(t, "/etc/nginx/sites-available/shop", AvailablePath("shop"))
	assert.Equal(t, "/etc/nginx/sites-enabled/shop", EnabledPath("shop"))
	assert.Equal(t, "/etc/nginx/sites-enabled/default", EnabledPath(DefaultSiteName))
}
