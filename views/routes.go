package views

// Route names a page of the marketplace. Values double as URL paths.
type Route string

const (
	RouteHome      Route = "/"
	RouteAuth      Route = "/auth"
	RouteAddItem   Route = "/add-item"
	RouteEditItems Route = "/edit-items"
)

// Restricted reports whether the route requires a signed-in session.
func (r Route) Restricted() bool {
	return r == RouteAddItem || r == RouteEditItems
}

// Path is the URL the route is served at.
func (r Route) Path() string { return string(r) }

// guard resolves where a request for route actually lands. Restricted pages
// send anonymous sessions home before anything is built.
func guard(route Route, authenticated bool) Route {
	switch route {
	case RouteHome, RouteAuth, RouteAddItem, RouteEditItems:
	default:
		return RouteHome
	}
	if route.Restricted() && !authenticated {
		return RouteHome
	}
	return route
}

// NavLink is one entry of the navigation bar.
type NavLink struct {
	Label  string
	Route  Route
	Action bool // rendered as a form button rather than a link
}

// Nav is the persistent navigation bar.
type Nav struct {
	Title         string
	Authenticated bool
	DisplayName   string
	Current       Route
	Links         []NavLink
}

func buildNav(title string, current Route, authenticated bool, displayName string) Nav {
	nav := Nav{Title: title, Authenticated: authenticated, DisplayName: displayName, Current: current}
	nav.Links = append(nav.Links, NavLink{Label: "Home", Route: RouteHome})
	if authenticated {
		nav.Links = append(nav.Links,
			NavLink{Label: "Add Item", Route: RouteAddItem},
			NavLink{Label: "Edit Posts", Route: RouteEditItems},
			NavLink{Label: "Sign Out", Route: "/auth/signout", Action: true},
		)
	} else {
		nav.Links = append(nav.Links, NavLink{Label: "Sign In", Route: RouteAuth})
	}
	return nav
}
