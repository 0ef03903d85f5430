package config

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/dreamware/sedes/internal/cluster"
)

// SitesValue binds a site list to a flag written as id=addr[;healthAddr],...
func SitesValue(p *[]cluster.SiteInfo) pflag.Value { return sitesValue{p} }

// ListValue binds a string list to a comma separated flag. Unlike pflag's
// string slices, every Set replaces the list.
func ListValue(p *[]string) pflag.Value { return listValue{p} }

type sitesValue struct{ p *[]cluster.SiteInfo }

func (v sitesValue) String() string { return FormatSites(*v.p) }
func (v sitesValue) Type() string   { return "sites" }

func (v sitesValue) Set(s string) error {
	parsed, err := ParseSites(s)
	if err != nil {
		return err
	}
	*v.p = parsed
	return nil
}

type listValue struct{ p *[]string }

func (v listValue) String() string { return strings.Join(*v.p, ",") }
func (v listValue) Type() string   { return "list" }

func (v listValue) Set(s string) error {
	*v.p = splitList(s)
	return nil
}

// FormatSites is the inverse of ParseSites.
func FormatSites(sites []cluster.SiteInfo) string {
	parts := make([]string, 0, len(sites))
	for _, s := range sites {
		entry := s.ID + "=" + s.Addr
		if s.HealthAddr != "" {
			entry += ";" + s.HealthAddr
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, ",")
}
