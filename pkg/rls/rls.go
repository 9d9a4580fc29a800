package rls

import (
	"fmt"

	"gorm.io/gorm"
)

// WithTenant scopes row-level-security policies to tenantID for the rest of the transaction.
func WithTenant(tx *gorm.DB, tenantID int64) error {
	// set_config with is_local=true behaves like SET LOCAL but accepts a bound parameter.
	return tx.Exec(
		"SELECT set_config('app.current_tenant_id', ?, true)",
		fmt.Sprintf("%d", tenantID),
	).Error
}
