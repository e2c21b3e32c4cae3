package route

import (
	"fmt"
	"sort"

	"github.com/gin-gonic/gin"
)

// RouterLoader mounts routes on a gin engine.
type RouterLoader func(r *gin.Engine) error

// RouteType selects the listener a plugin's routes are served on.
type RouteType int

const (
	// RouteTypeMain routes are served on the API listener.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement routes (health, readiness, metrics) are served on
	// the management listener, or on the API listener when none is configured.
	RouteTypeManagement
)

// Plugin is a set of routes mounted in Order.
type Plugin struct {
	Name   string
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

func byType(t RouteType) []Plugin {
	var out []Plugin
	for _, p := range plugins {
		if p.Type == t {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Mount runs every loader of the given type against r.
func Mount(r *gin.Engine, t RouteType) error {
	for _, p := range byType(t) {
		if err := p.Loader(r); err != nil {
			return fmt.Errorf("mount %s routes: %w", p.Name, err)
		}
	}
	return nil
}

// Names lists the registered plugins of a type in mount order.
func Names(t RouteType) []string {
	var names []string
	for _, p := range byType(t) {
		names = append(names, p.Name)
	}
	return names
}
