// Package tenant implements the TenantRegistry: it enumerates known tenant
// identifiers and hands out per-tenant schema names, using one PostgreSQL
// schema per tenant.
package tenant

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Info holds resolved tenant metadata.
type Info struct {
	ID     uuid.UUID
	Name   string
	Slug   string
	Schema string
}

// slugPattern is the allow-list for tenant slugs used to build a SQL
// identifier (spec.md §9: "Key resolution MUST reject tenant ids
// containing characters outside an allow-list before use"). Schema names
// are interpolated directly into `SET search_path` rather than passed as
// a bind parameter, since PostgreSQL does not support parameterized
// identifiers, so this check is the only thing standing between a
// malformed tenant slug and a broken/malicious search_path.
var slugPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidSlug reports whether slug is safe to interpolate into a schema
// name.
func ValidSlug(slug string) bool {
	return slug != "" && slugPattern.MatchString(slug)
}

// SchemaName returns the PostgreSQL schema name for a tenant slug.
func SchemaName(slug string) string {
	return fmt.Sprintf("tenant_%s", slug)
}

type contextKey string

const infoKey contextKey = "tenant_info"

// NewContext stores tenant info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts the tenant info from the context, or nil if unset.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}
