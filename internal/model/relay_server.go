package model

import "fmt"

// RelayServer is a rally-point server as it is stored in the database.
type RelayServer struct {
	ID          int64  `json:"id"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
	Hostname    string `json:"hostname"`
	Port        int    `json:"port"`
}

// ResolvedRelayServer is a RelayServer with the addresses its hostname
// resolved to. At least one of the addresses is set for a server that is
// usable for routing.
type ResolvedRelayServer struct {
	RelayServer

	Address4 string `json:"address4,omitempty"`
	Address6 string `json:"address6,omitempty"`
}

// Usable reports whether the server has any address a route can be created
// against.
func (s ResolvedRelayServer) Usable() bool {
	return s.Address4 != "" || s.Address6 != ""
}

// Address returns the preferred address of the server, IPv4 first.
func (s ResolvedRelayServer) Address() string {
	if s.Address4 != "" {
		return s.Address4
	}
	return s.Address6
}

// ClientKey identifies a single connected game client of a user. A user may
// have several clients connected at once.
type ClientKey struct {
	UserID   int64  `json:"userId"`
	ClientID string `json:"clientId"`
}

func (k ClientKey) String() string {
	return fmt.Sprintf("%d/%s", k.UserID, k.ClientID)
}
