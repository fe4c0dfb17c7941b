package model

// Route is a forwarding session allocated on a relay server. The player ids
// are assigned by the relay and are only meaningful within the route.
type Route struct {
	RouteID     string `json:"routeId"`
	PlayerOneID uint32 `json:"playerOneId"`
	PlayerTwoID uint32 `json:"playerTwoId"`
}

// RouteServer is the public description of the relay server a route lives
// on, as sent to both players.
type RouteServer struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Address4    string `json:"address4,omitempty"`
	Address6    string `json:"address6,omitempty"`
	Port        int    `json:"port"`
}

// RouteInfo is the result of creating the best route between two players.
type RouteInfo struct {
	PlayerOne ClientKey   `json:"p1"`
	PlayerTwo ClientKey   `json:"p2"`
	Route     Route       `json:"route"`
	Server    RouteServer `json:"server"`
}
