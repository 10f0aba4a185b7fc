package shmcache

// Info is a point-in-time summary of a cache, as returned by
// [Cache.Describe] and [Dict.Describe].
type Info struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Capacity int    `json:"capacity"`
	Expiring bool   `json:"expiring"`
	Clients  int    `json:"clients"`
	Keys     int    `json:"keys"`

	// DataBytes is the encoded size of the data document, without padding.
	DataBytes int `json:"data_bytes"`

	// Expirations and ExpirationBytes are zero for a [Dict].
	Expirations     int `json:"expirations"`
	ExpirationBytes int `json:"expiration_bytes"`
}
