package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultWorkflowRoutes maps ticket agent types to workflow endpoint paths.
var DefaultWorkflowRoutes = map[string]string{
	"research":  "/workflows/research",
	"content":   "/workflows/content",
	"reporting": "/workflows/reporting",
}

// routesFile is the on-disk shape of SUBSTRATE_WORKFLOW_ROUTES:
//
//	routes:
//	  research: /workflows/research
//	  content: /agents/content/run
type routesFile struct {
	Routes map[string]string `yaml:"routes"`
}

// LoadWorkflowRoutes reads a routes file and overlays it on the defaults.
// An empty path returns the defaults.
func LoadWorkflowRoutes(path string) (map[string]string, error) {
	routes := make(map[string]string, len(DefaultWorkflowRoutes))
	for k, v := range DefaultWorkflowRoutes {
		routes[k] = v
	}
	if path == "" {
		return routes, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow routes: %w", err)
	}

	var file routesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workflow routes: %w", err)
	}

	for agent, route := range file.Routes {
		agent = strings.TrimSpace(agent)
		route = strings.TrimSpace(route)
		if agent == "" {
			continue
		}
		if route == "" {
			delete(routes, agent)
			continue
		}
		if !strings.HasPrefix(route, "/") {
			route = "/" + route
		}
		routes[agent] = route
	}
	return routes, nil
}
