package domain

// NextRoute returns the route after currentRouteID in rule's fallback order.
// It returns false when currentRouteID is the last route or is not in the rule.
func NextRoute(rule Rule, currentRouteID string) (Route, bool) {
	for i, r := range rule.Routes {
		if r.ID != currentRouteID {
			continue
		}
		if i+1 < len(rule.Routes) {
			return rule.Routes[i+1], true
		}
		return Route{}, false
	}
	return Route{}, false
}
