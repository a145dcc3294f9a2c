package types

import "strings"

// StartupParam is one (key, value) Postgres startup parameter. Order in the
// enclosing options bag is significant — see ConnInfo.Equal.
type StartupParam struct {
	Key   string
	Value string
}

// ComputeUserInfo is derived from the incoming request: the user, the
// endpoint they're addressing, and any startup options they supplied.
type ComputeUserInfo struct {
	User     string
	Endpoint EndpointID
	Options  []StartupParam
}

// ConnInfo is the join key for every connection pool. Two ConnInfos are
// equivalent iff all four fields match; Options equality is order-sensitive
// (it is compared as a sequence, not a set).
type ConnInfo struct {
	EndpointID EndpointID
	DBName     string
	User       string
	Options    []StartupParam
}

// Key returns a string uniquely identifying this ConnInfo for use as a map
// key. It encodes option order, so two ConnInfos with the same options in a
// different order produce different keys.
func (c ConnInfo) Key() string {
	var b strings.Builder
	b.WriteString(string(c.EndpointID))
	b.WriteByte('\x00')
	b.WriteString(c.DBName)
	b.WriteByte('\x00')
	b.WriteString(c.User)
	for _, o := range c.Options {
		b.WriteByte('\x00')
		b.WriteString(o.Key)
		b.WriteByte('=')
		b.WriteString(o.Value)
	}
	return b.String()
}

// Equal reports whether two ConnInfos are equivalent under this package's
// order-sensitive options comparison.
func (c ConnInfo) Equal(o ConnInfo) bool {
	return c.Key() == o.Key()
}

// String renders a ConnInfo for logs.
func (c ConnInfo) String() string {
	return c.EndpointID.String() + "/" + c.DBName + "?user=" + c.User
}

// FromComputeUserInfo builds the pool key for a given user/endpoint pair
// and database name.
func FromComputeUserInfo(u ComputeUserInfo, dbname string) ConnInfo {
	opts := make([]StartupParam, len(u.Options))
	copy(opts, u.Options)
	return ConnInfo{
		EndpointID: u.Endpoint.Normalize(),
		DBName:     dbname,
		User:       u.User,
		Options:    opts,
	}
}
